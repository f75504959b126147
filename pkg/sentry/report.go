// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"fmt"

	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

// ReportIssue logs err at the level matching issueType and forwards it to sentry.
// Fatal issues panic after the event has been flushed.
func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if err == nil {
		return
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		reportFatal(err, log, context)
	case IssueTypeError:
		reportError(err, log, context)
	case IssueTypeWarning:
		reportWarning(err, log, context)
	}
}

// ReportServiceError reports a component error with the id of the affected
// entity (session fingerprint, map id, record key) as context.
func ReportServiceError(log *zap.SugaredLogger, instanceID string, serviceType string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"instance_id":  instanceID,
		"service_type": serviceType,
		"operation":    operation,
	})
}

// ReportServiceWarningf is the warning counterpart of ReportServiceError.
func ReportServiceWarningf(log *zap.SugaredLogger, instanceID string, serviceType string, operation string, template string, args ...interface{}) {
	ReportIssueWithContext(fmt.Errorf(template, args...), IssueTypeWarning, log, map[string]interface{}{
		"instance_id":  instanceID,
		"service_type": serviceType,
		"operation":    operation,
	})
}

package errors

import "net/http"

// 通用错误码。
const (
	CodeUnknown         Code = "UNKNOWN"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
	CodeQueueFailure    Code = "QUEUE_FAILURE"
	CodeTimeout         Code = "TIMEOUT"
)

// 插件生命周期错误码。
const (
	CodeUnknownPlugin      Code = "UNKNOWN_PLUGIN"
	CodeAlreadyLoaded      Code = "ALREADY_LOADED"
	CodeNotLoaded          Code = "NOT_LOADED"
	CodeBusy               Code = "BUSY"
	CodeFrontendImmutable  Code = "FRONTEND_IMMUTABLE"
	CodeConstructionError  Code = "CONSTRUCTION_ERROR"
	CodeNullInstance       Code = "NULL_INSTANCE"
	CodeTeardownError      Code = "TEARDOWN_ERROR"
	CodeMissingRequirement Code = "MISSING_REQUIREMENT"
	CodeDependencyFailed   Code = "DEPENDENCY_FAILED"
)

// 查询处理错误码。
const (
	CodeDuplicateTrigger       Code = "DUPLICATE_TRIGGER"
	CodeUnknownHandler         Code = "UNKNOWN_HANDLER"
	CodeHandlerInvocationError Code = "HANDLER_INVOCATION_ERROR"
	CodeSuperseded             Code = "SUPERSEDED"
)

var catalog = map[Code]Attributes{
	CodeUnknown:         {Message: "unknown error", Severity: SeverityCritical},
	CodeInvalidArgument: {Message: "invalid argument", Severity: SeverityInfo, Status: http.StatusBadRequest},
	CodeNotFound:        {Message: "resource not found", Severity: SeverityInfo, Status: http.StatusNotFound},
	CodeStorageFailure:  {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true, Status: http.StatusServiceUnavailable},
	CodeQueueFailure:    {Message: "event publish failure", Severity: SeverityWarning, Retryable: true},
	CodeTimeout:         {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Status: http.StatusGatewayTimeout},

	CodeUnknownPlugin:      {Message: "unknown plugin", Severity: SeverityInfo, Status: http.StatusNotFound},
	CodeAlreadyLoaded:      {Message: "plugin already loaded", Severity: SeverityInfo, Status: http.StatusConflict},
	CodeNotLoaded:          {Message: "plugin not loaded", Severity: SeverityInfo, Status: http.StatusConflict},
	CodeBusy:               {Message: "plugin busy", Severity: SeverityInfo, Retryable: true, Status: http.StatusConflict},
	CodeFrontendImmutable:  {Message: "frontend plugins require a restart to change", Severity: SeverityInfo, Status: http.StatusConflict},
	CodeConstructionError:  {Message: "plugin construction failed", Severity: SeverityWarning, Retryable: true, Alert: true, Status: http.StatusUnprocessableEntity},
	CodeNullInstance:       {Message: "plugin factory returned no instance", Severity: SeverityWarning, Alert: true, Status: http.StatusUnprocessableEntity},
	CodeTeardownError:      {Message: "plugin teardown failed", Severity: SeverityWarning, Alert: true},
	CodeMissingRequirement: {Message: "plugin requirement missing", Severity: SeverityWarning, Retryable: true, Status: http.StatusUnprocessableEntity},
	CodeDependencyFailed:   {Message: "plugin dependency failed", Severity: SeverityWarning, Retryable: true, Status: http.StatusUnprocessableEntity},

	CodeDuplicateTrigger:       {Message: "trigger already in use", Severity: SeverityInfo, Status: http.StatusConflict},
	CodeUnknownHandler:         {Message: "unknown query handler", Severity: SeverityInfo, Status: http.StatusNotFound},
	CodeHandlerInvocationError: {Message: "query handler failed", Severity: SeverityWarning},
	CodeSuperseded:             {Message: "query superseded by a newer query", Severity: SeverityInfo, Status: http.StatusConflict},
}

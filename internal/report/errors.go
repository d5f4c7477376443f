package report

import "errors"

// Domain-level error values returned by the report service.
var (
	ErrNotFound             = errors.New("report not found")
	ErrInvalidTransition    = errors.New("invalid report transition")
	ErrReportExists         = errors.New("report already exists")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidReportID      = errors.New("invalid report id")
	ErrInvalidCost          = errors.New("invalid report cost")
	ErrInvalidInputRefs     = errors.New("invalid input refs")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

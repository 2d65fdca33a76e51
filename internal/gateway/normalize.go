package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnrecognizedEvent is returned for webhook tags the normalizer does not know.
var ErrUnrecognizedEvent = errors.New("gateway: unrecognized webhook event")

// Resource is the entity a webhook is about.
type Resource string

const (
	ResourceMandateOperation Resource = "mandate_operation"
	ResourceRefund           Resource = "refund"
)

// Operation is the lifecycle step a webhook reports.
type Operation string

const (
	OpCreate  Operation = "create"
	OpExecute Operation = "execute"
	OpNotify  Operation = "notify"
	OpPause   Operation = "pause"
	OpUnpause Operation = "unpause"
	OpRevoke  Operation = "revoke"
	OpRefund  Operation = "refund"
)

// Status is the canonical outcome of a PSP operation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusInitiated Status = "initiated"
)

// Normalized is the PSP-independent view of a webhook tag.
type Normalized struct {
	Operation Operation
	Resource  Resource
	Status    Status
}

func (n Normalized) String() string {
	return fmt.Sprintf("%s.%s.%s", n.Resource, n.Operation, n.Status)
}

var operationsByResource = map[Resource][]Operation{
	ResourceMandateOperation: {OpCreate, OpExecute, OpNotify, OpPause, OpUnpause, OpRevoke},
	ResourceRefund:           {OpRefund},
}

var statusAliases = map[string]Status{
	"success":   StatusSuccess,
	"completed": StatusSuccess,
	"active":    StatusSuccess,
	"failed":    StatusFailed,
	"failure":   StatusFailed,
	"declined":  StatusFailed,
	"expired":   StatusFailed,
	"initiated": StatusInitiated,
	"pending":   StatusInitiated,
	"created":   StatusInitiated,
}

// Normalize maps a PSP tag onto the canonical triple. Every combination outside
// the known table is rejected with ErrUnrecognizedEvent.
func Normalize(resource, operation, pgStatus string) (Normalized, error) {
	res := Resource(strings.ToLower(strings.TrimSpace(resource)))
	op := Operation(strings.ToLower(strings.TrimSpace(operation)))
	known, ok := operationsByResource[res]
	if !ok {
		return Normalized{}, fmt.Errorf("%w: resource %q", ErrUnrecognizedEvent, resource)
	}
	allowed := false
	for _, candidate := range known {
		if candidate == op {
			allowed = true
			break
		}
	}
	if !allowed {
		return Normalized{}, fmt.Errorf("%w: operation %q on %s", ErrUnrecognizedEvent, operation, res)
	}
	status, ok := statusAliases[strings.ToLower(strings.TrimSpace(pgStatus))]
	if !ok {
		return Normalized{}, fmt.Errorf("%w: status %q", ErrUnrecognizedEvent, pgStatus)
	}
	return Normalized{Operation: op, Resource: res, Status: status}, nil
}

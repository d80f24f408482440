package events

import (
	apperrors "github.com/odvcencio/browserd/pkg/errors"
)

func errUnknownConnection(connID string) error {
	return apperrors.New(apperrors.ErrCodeInvalidInput, "connection is not registered").
		WithContext("client_id", connID)
}

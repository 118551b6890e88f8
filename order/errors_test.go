package order

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	rej := fmt.Errorf("submit: %w", &RejectedError{Reason: "margin"})
	assert.True(t, IsRejected(rej))
	assert.False(t, IsTransient(rej))

	tr := &TransientError{Op: "submit", Err: errors.New("429")}
	assert.True(t, IsTransient(tr))
	assert.False(t, IsRejected(tr))

	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(ErrAlreadyTerminal))
	assert.False(t, IsTransient(nil))
	assert.Contains(t, rej.Error(), "margin")
}

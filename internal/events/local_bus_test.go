package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusEmitDeliversToRegisteredHandler(t *testing.T) {
	b := NewLocalBus()
	var received map[string]interface{}
	b.Register("completion:result", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		received = data
		return nil, nil
	})

	b.Emit(context.Background(), "completion:result", map[string]interface{}{"request_id": "req-1"})
	require.NotNil(t, received)
	assert.Equal(t, "req-1", received["request_id"])
}

func TestLocalBusEmitWithoutHandlerIsANoop(t *testing.T) {
	b := NewLocalBus()
	assert.NotPanics(t, func() {
		b.Emit(context.Background(), "no:handler", nil)
	})
}

func TestLocalBusEmitAndWaitReturnsHandlerResponse(t *testing.T) {
	b := NewLocalBus()
	b.Register("injection:process_result", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"rewritten": true}, nil
	})

	resp, err := b.EmitAndWait(context.Background(), "injection:process_result", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["rewritten"])
}

func TestLocalBusEmitAndWaitWithoutHandlerReturnsNil(t *testing.T) {
	b := NewLocalBus()
	resp, err := b.EmitAndWait(context.Background(), "no:handler", nil)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestLocalBusRegisterTwiceReplacesHandler(t *testing.T) {
	b := NewLocalBus()
	calls := 0
	b.Register("completion:result", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		calls = 1
		return nil, nil
	})
	b.Register("completion:result", func(ctx context.Context, data map[string]interface{}) (map[string]interface{}, error) {
		calls = 2
		return nil, nil
	})

	b.Emit(context.Background(), "completion:result", nil)
	assert.Equal(t, 2, calls)
}

package transport

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifySuccess(t *testing.T) {
	assert.Equal(t, None, Classify(&Response{StatusCode: 200}, nil))
}

func TestClassifyServerErrorIsTransient(t *testing.T) {
	assert.Equal(t, TransientServer, Classify(&Response{StatusCode: 503}, nil))
}

func TestClassifyTooManyRequestsIsPermanent(t *testing.T) {
	assert.Equal(t, PermanentClient, Classify(&Response{StatusCode: 429}, nil))
}

func TestClassifyRequestTimeoutIsTransient(t *testing.T) {
	assert.Equal(t, TransientServer, Classify(&Response{StatusCode: 408}, nil))
}

func TestClassifyClientErrorIsPermanent(t *testing.T) {
	assert.Equal(t, PermanentClient, Classify(&Response{StatusCode: 404}, nil))
}

func TestClassifyNetworkErrorIsTransient(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.Equal(t, TransientNetwork, Classify(nil, netErr))
}

func TestClassifyMalformedURLIsPermanentProtocol(t *testing.T) {
	assert.Equal(t, PermanentProtocol, Classify(nil, ErrMalformedURL))
}

func TestClassifyContextCanceledIsPermanentProtocol(t *testing.T) {
	assert.Equal(t, PermanentProtocol, Classify(nil, context.Canceled))
}

func TestTransientReportsRetryability(t *testing.T) {
	assert.True(t, TransientNetwork.Transient())
	assert.True(t, TransientServer.Transient())
	assert.False(t, PermanentClient.Transient())
	assert.False(t, PermanentProtocol.Transient())
	assert.False(t, None.Transient())
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, HandshakesInitiated)
	assert.NotNil(t, HandshakesCompleted)
	assert.NotNil(t, HandshakesFailed)
	assert.NotNil(t, HandshakeDuration)

	assert.NotNil(t, SessionsCreated)
	assert.NotNil(t, SessionsActive)
	assert.NotNil(t, SessionsExpired)
	assert.NotNil(t, SessionsClosed)
	assert.NotNil(t, SessionDuration)
	assert.NotNil(t, SessionMessageSize)

	assert.NotNil(t, CryptoOperations)
	assert.NotNil(t, CryptoErrors)
	assert.NotNil(t, CryptoOperationDuration)

	assert.NotNil(t, MessagesProcessed)
	assert.NotNil(t, NonceValidations)
	assert.NotNil(t, MessageProcessingDuration)
	assert.NotNil(t, MessageSize)
}

func TestMetricsIncrement(t *testing.T) {
	HandshakesInitiated.WithLabelValues("initiator").Inc()
	HandshakesCompleted.WithLabelValues("success").Inc()
	HandshakesFailed.WithLabelValues("rejected").Inc()
	HandshakeDuration.WithLabelValues("initiate").Observe(0.05)

	SessionsCreated.WithLabelValues("success").Inc()
	SessionsActive.Set(1)
	SessionsExpired.Inc()
	SessionsClosed.Inc()
	SessionDuration.WithLabelValues("encrypt").Observe(0.001)
	SessionMessageSize.WithLabelValues("outbound").Observe(1024)

	CryptoOperations.WithLabelValues("sign", "ed25519").Inc()
	CryptoOperations.WithLabelValues("verify", "ed25519").Inc()

	MessagesProcessed.WithLabelValues("outbound", "success").Inc()
	NonceValidations.WithLabelValues("valid").Inc()

	assert.NotZero(t, testutil.CollectAndCount(HandshakesInitiated))
	assert.NotZero(t, testutil.CollectAndCount(SessionsCreated))
	assert.NotZero(t, testutil.CollectAndCount(CryptoOperations))
	assert.NotZero(t, testutil.CollectAndCount(MessagesProcessed))
}

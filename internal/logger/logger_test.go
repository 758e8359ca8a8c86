package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"rcs/pkg/logging"
)

func observed() (*SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &SugaredLogger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func TestContextFieldsAreAttached(t *testing.T) {
	log, logs := observed()
	log.SetServiceName("rcs-dispatch")

	ctx := logging.WithOccurrenceID(context.Background(), "occ-1")
	log.InfowCtx(ctx, "Rules resolved", "rules", 2)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "occ-1", fields["occurrence_id"])
	assert.Equal(t, "rcs-dispatch", fields["service_name"])
	assert.EqualValues(t, 2, fields["rules"])
}

func TestWithKeepsServiceName(t *testing.T) {
	log, logs := observed()
	log.SetServiceName("rcs-dispatch")

	child := log.With("component", "reconciler")
	child.WarnwCtx(context.Background(), "Entry timed out")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "reconciler", fields["component"])
	assert.Equal(t, "rcs-dispatch", fields["service_name"])
}

func TestNewWithFormat(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		log, err := NewWithFormat("debug", format)
		require.NoError(t, err)
		assert.NotNil(t, log)
	}
}

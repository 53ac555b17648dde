package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bugbridge/dashboard/jobs"
)

func TestTriggerRejectsUnknownJob(t *testing.T) {
	_, err := (&JobsCLI{}).Trigger(context.Background(), "mail:send", 0)
	require.ErrorContains(t, err, "unsupported job")
}

func TestTriggerWithoutClient(t *testing.T) {
	_, err := (&JobsCLI{}).Trigger(context.Background(), jobs.TaskSessionSweep, 0)
	require.ErrorContains(t, err, "client not configured")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	PrintStats(&buf, jobs.QueueStats{Queue: "default", Pending: 2, Retry: 1})
	require.Equal(t, "queue=default state=running pending=2 active=0 scheduled=0 retry=1 archived=0\n", buf.String())

	buf.Reset()
	PrintStats(&buf, jobs.QueueStats{Queue: "default", Paused: true})
	require.Contains(t, buf.String(), "state=paused")
}

func TestNilCLIReportsMisconfiguration(t *testing.T) {
	var c *JobsCLI
	_, err := c.InspectQueue(context.Background())
	require.Error(t, err)
	require.NoError(t, (&JobsCLI{}).Close())
}

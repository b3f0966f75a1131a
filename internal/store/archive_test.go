package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/duratool/pkg/schema"
)

func TestArchiveKey(t *testing.T) {
	run := &Run{WorkflowID: "news-agent", RunID: "r-1"}
	assert.Equal(t, "runs/news-agent/r-1.json", ArchiveKey(run))
}

func TestMinioConfig_Enabled(t *testing.T) {
	assert.False(t, MinioConfig{}.Enabled())
	assert.False(t, MinioConfig{Endpoint: "localhost:9000"}.Enabled())
	assert.True(t, MinioConfig{Endpoint: "localhost:9000", Bucket: "runs"}.Enabled())
}

func TestMinioArchiver_Archive(t *testing.T) {
	endpoint := os.Getenv("DURATOOL_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("DURATOOL_TEST_MINIO_ENDPOINT not set")
	}
	ctx := context.Background()
	a, err := NewMinioArchiver(ctx, MinioConfig{
		Endpoint:  endpoint,
		Bucket:    "duratool-test",
		AccessKey: os.Getenv("DURATOOL_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("DURATOOL_TEST_MINIO_SECRET_KEY"),
	})
	require.NoError(t, err)

	run := &Run{RunID: uuid.NewString(), WorkflowID: "archive-test", Status: schema.RunStatusFailed}
	require.NoError(t, a.Archive(ctx, run, []*schema.Event{{RunID: run.RunID, Sequence: 1, Type: schema.EventWorkflowStarted}}))

	ok, err := a.StatArchive(ctx, run)
	require.NoError(t, err)
	assert.True(t, ok)
}

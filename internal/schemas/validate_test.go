package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateQueueDocument_Valid(t *testing.T) {
	doc := []byte(`{"queue":[{"id":"a1","file_path":"/uploads/a.docx","user_id":"7","chat_id":7,"enqueued_at":"2026-08-25T10:00:00Z","status":"pending"}]}`)
	assert.NoError(t, ValidateQueueDocument(doc))
}

func TestValidateQueueDocument_EmptyQueue(t *testing.T) {
	assert.NoError(t, ValidateQueueDocument([]byte(`{"queue":[]}`)))
}

func TestValidateQueueDocument_MissingQueueKey(t *testing.T) {
	err := ValidateQueueDocument([]byte(`{"items":[]}`))
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Errors)
}

func TestValidateQueueDocument_BadStatus(t *testing.T) {
	doc := []byte(`{"queue":[{"id":"a1","file_path":"/uploads/a.docx","user_id":"7","chat_id":7,"enqueued_at":"2026-08-25T10:00:00Z","status":"done"}]}`)
	err := ValidateQueueDocument(doc)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Errors)
}

func TestValidateQueueDocument_MissingRequiredItemField(t *testing.T) {
	doc := []byte(`{"queue":[{"id":"a1","status":"pending"}]}`)
	err := ValidateQueueDocument(doc)
	require.Error(t, err)
}

func TestValidateQueueDocument_NotJSON(t *testing.T) {
	assert.Error(t, ValidateQueueDocument([]byte(`{"queue": [`)))
}

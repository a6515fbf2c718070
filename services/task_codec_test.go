package services

import (
	"testing"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCodec(t *testing.T) {
	cipher, err := utils.NewAES(testKey)
	require.NoError(t, err)
	codec := NewTaskCodec(cipher)

	task := postTask(models.TaskConfigInput{Retry: i64(2), RetryInterval: i64(1500)}).Normalize()
	task.HTTPRequest.Headers = map[string]string{"Authorization": "Bearer secret"}

	metadata, err := codec.Encode(task)
	require.NoError(t, err)
	assert.NotContains(t, metadata, "secret")

	decoded, err := codec.Decode(metadata)
	require.NoError(t, err)
	assert.Equal(t, task, decoded)

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := codec.Decode("not-encrypted")
		assert.ErrorIs(t, err, ErrMalformedTask)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		blob, err := cipher.Encrypt(`{"httpRequest":{"url":"https://a.b","method":"GET"},"config":{},"extra":1}`)
		require.NoError(t, err)
		_, err = codec.Decode(blob)
		assert.ErrorIs(t, err, ErrMalformedTask)
	})

	t.Run("requires url and method", func(t *testing.T) {
		blob, err := cipher.Encrypt(`{"httpRequest":{"url":""},"config":{}}`)
		require.NoError(t, err)
		_, err = codec.Decode(blob)
		assert.ErrorIs(t, err, ErrMalformedTask)
	})
}

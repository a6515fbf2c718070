package services

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Sumit189/letItGoTasks/common/models"
)

// Cipher is the symmetric encryption used for stored task definitions.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// TaskCodec turns a task definition into the opaque metadata blob kept on the
// queue record, and back.
type TaskCodec struct {
	cipher Cipher
}

func NewTaskCodec(cipher Cipher) *TaskCodec {
	return &TaskCodec{cipher: cipher}
}

func (c *TaskCodec) Encode(task models.TaskDefinition) (string, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	return c.cipher.Encrypt(string(b))
}

func (c *TaskCodec) Decode(metadata string) (models.TaskDefinition, error) {
	plain, err := c.cipher.Decrypt(metadata)
	if err != nil {
		return models.TaskDefinition{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(plain)))
	dec.DisallowUnknownFields()
	var task models.TaskDefinition
	if err := dec.Decode(&task); err != nil {
		return models.TaskDefinition{}, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if task.HTTPRequest.URL == "" || task.HTTPRequest.Method == "" {
		return models.TaskDefinition{}, fmt.Errorf("%w: missing url or method", ErrMalformedTask)
	}
	return task, nil
}

package engine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"conduit/internal/api"
	"conduit/internal/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encrypted export envelope identifiers. The format is fixed so foreign
// tools can recognize the payload without guessing.
const (
	ExportFormat    = "mirth-encrypted-v1"
	ExportAlgorithm = "aes-256-gcm"
)

const gcmTagSize = 16

// ExportEnvelope is the encrypted wrapper around an exported message
// bundle. IV, Tag and Data are base64.
type ExportEnvelope struct {
	Format    string `json:"format"`
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
	Data      string `json:"data"`
}

// exportKey derives the AES-256 key from a passphrase.
func exportKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// ExportMessage serializes a full message bundle to JSON. An empty
// passphrase yields the plain bundle; otherwise the bundle is sealed in an
// encrypted envelope.
func (e *Engine) ExportMessage(channelID string, messageID int64, passphrase string) ([]byte, error) {
	bundle, err := e.GetMessageBundle(channelID, messageID, 0)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return plain, nil
	}
	envelope, err := seal(plain, passphrase)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

func seal(plain []byte, passphrase string) (*ExportEnvelope, error) {
	block, err := aes.NewCipher(exportKey(passphrase))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plain, nil)
	data, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return &ExportEnvelope{
		Format:    ExportFormat,
		Algorithm: ExportAlgorithm,
		IV:        base64.StdEncoding.EncodeToString(iv),
		Tag:       base64.StdEncoding.EncodeToString(tag),
		Data:      base64.StdEncoding.EncodeToString(data),
	}, nil
}

func open(envelope *ExportEnvelope, passphrase string) ([]byte, error) {
	if envelope.Format != ExportFormat {
		return nil, fmt.Errorf("unsupported export format %q", envelope.Format)
	}
	if envelope.Algorithm != ExportAlgorithm {
		return nil, fmt.Errorf("unsupported export algorithm %q", envelope.Algorithm)
	}
	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(envelope.Tag)
	if err != nil {
		return nil, fmt.Errorf("decoding tag: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding data: %w", err)
	}

	block, err := aes.NewCipher(exportKey(passphrase))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting export: %w", err)
	}
	return plain, nil
}

// ImportMessage stores a previously exported bundle into the channel. The
// payload may be a plain bundle or an encrypted envelope; in the latter
// case the passphrase must match. The new message keeps the exported id as
// import-id and does not count toward RECEIVED statistics.
func (e *Engine) ImportMessage(channelID string, payload []byte, passphrase string) (int64, error) {
	ch, err := e.Channel(channelID)
	if err != nil {
		return 0, err
	}

	var envelope ExportEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Format == ExportFormat {
		payload, err = open(&envelope, passphrase)
		if err != nil {
			return 0, err
		}
	}

	var bundle MessageBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return 0, fmt.Errorf("parsing message bundle: %w", err)
	}
	if bundle.Message == nil {
		return 0, &api.ConfigError{
			ChannelID: channelID,
			Fields:    []api.FieldError{{Field: "message", Reason: "bundle has no message header"}},
		}
	}

	contents := make([]message.Content, 0, len(bundle.Content))
	for _, snapshot := range bundle.Content {
		contents = append(contents, message.Content{
			MetadataID:  snapshot.MetadataID,
			ContentType: snapshot.ContentType,
			Content:     snapshot.Content,
			DataType:    snapshot.DataType,
		})
	}
	return ch.ImportMessage(contents, bundle.Message.ID)
}

package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)

	// errKMSIntegrity はKMSとの通信でデータが破損したことを表す。
	errKMSIntegrity = errors.New("kms response failed integrity check")
)

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32cTable))
}

// KMSClient はCloud KMSクライアントをラップする。
// マスター鍵のラップ・アンラップにのみ使い、データ鍵はKMSに送らない。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient は指定されたKMSキー名でKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: keyName,
	}, nil
}

// Encrypt はマスター鍵をCloud KMSでラップする。CRC32Cで往復の破損を検出する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:            c.keyName,
		Plaintext:       plaintext,
		PlaintextCrc32C: wrapperspb.Int64(crc32c(plaintext)),
	})
	if err != nil {
		slog.ErrorContext(ctx, "kms encrypt failed", "operation", "kms_encrypt", "error", err)
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if !resp.GetVerifiedPlaintextCrc32C() || crc32c(resp.GetCiphertext()) != resp.GetCiphertextCrc32C().GetValue() {
		return nil, fmt.Errorf("encrypting: %w", errKMSIntegrity)
	}
	return resp.GetCiphertext(), nil
}

// Decrypt はラップされたマスター鍵をCloud KMSで取り出す。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:             c.keyName,
		Ciphertext:       ciphertext,
		CiphertextCrc32C: wrapperspb.Int64(crc32c(ciphertext)),
	})
	if err != nil {
		slog.ErrorContext(ctx, "kms decrypt failed", "operation", "kms_decrypt", "error", err)
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if crc32c(resp.GetPlaintext()) != resp.GetPlaintextCrc32C().GetValue() {
		return nil, fmt.Errorf("decrypting: %w", errKMSIntegrity)
	}
	return resp.GetPlaintext(), nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}

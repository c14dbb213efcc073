// Package engine は鍵素材を受け取って暗号化・復号を行うステートレスな暗号エンジンを提供する。
package engine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"pii-encryption-service/internal/domain"
)

const (
	// SymmetricKeySize は対称鍵の秘密値のバイト長。
	SymmetricKeySize = 32
	// MasterKeyMinSize はマスター鍵の最小バイト長。
	MasterKeyMinSize = 32

	fieldKeySize  = 16
	wrapKeySize   = 32
	hybridLenSize = 4

	fieldKeyInfo = "pii-field/aes128-gcm"
	wrapKeyInfo  = "pii-key-wrap/aes256-gcm"
)

// GenerateSymmetricKey は256bitのランダムな秘密値を生成する。
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating symmetric key: %w", err)
	}
	return key, nil
}

// GenerateRSAKeyPair はRSA鍵ペアを生成し、PKCS#8 PEMの秘密鍵とPKIX PEMの公開鍵を返す。
func GenerateRSAKeyPair(bits int) (privatePEM, publicPEM []byte, err error) {
	if bits != 2048 && bits != 4096 {
		return nil, nil, fmt.Errorf("%w: rsa-%d", domain.ErrUnsupportedAlgorithm, bits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating rsa key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling public key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}

// GenerateMaterial はアルゴリズムに応じた鍵素材を生成する。
// 対称鍵の場合 public は nil。
func GenerateMaterial(alg domain.Algorithm) (secret, public []byte, err error) {
	switch alg {
	case domain.AlgorithmAES128GCM:
		secret, err = GenerateSymmetricKey()
		return secret, nil, err
	case domain.AlgorithmRSA2048, domain.AlgorithmRSA4096:
		return GenerateRSAKeyPair(alg.RSABits())
	}
	return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, alg)
}

// MaxAsymmetricPayload はRSA-OAEP(SHA-256)で暗号化できる最大バイト数を返す。
func MaxAsymmetricPayload(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// ParsePublicKey はPKIX PEMの公開鍵を読み込む。
func ParsePublicKey(publicPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicPEM)
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}

// ParsePrivateKey はPKCS#8 PEMの秘密鍵を読み込む。
func ParsePrivateKey(privatePEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return priv, nil
}

// EncryptSymmetric は256bitの秘密値から導出したAES-128-GCM鍵で暗号化する。
// 出力は nonce || ciphertext || tag。
func EncryptSymmetric(secret, plaintext []byte) ([]byte, error) {
	aead, err := fieldAEAD(secret)
	if err != nil {
		return nil, err
	}
	return seal(aead, plaintext, nil)
}

// DecryptSymmetric は EncryptSymmetric の出力を復号する。
func DecryptSymmetric(secret, ciphertext []byte) ([]byte, error) {
	aead, err := fieldAEAD(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return open(aead, ciphertext, nil)
}

// EncryptAsymmetric はRSA-OAEP(SHA-256)で暗号化する。
func EncryptAsymmetric(publicPEM, plaintext []byte) ([]byte, error) {
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return nil, err
	}
	if len(plaintext) > MaxAsymmetricPayload(pub) {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", domain.ErrPayloadTooLarge, len(plaintext), MaxAsymmetricPayload(pub))
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}
	return ct, nil
}

// DecryptAsymmetric は EncryptAsymmetric の出力を復号する。
func DecryptAsymmetric(privatePEM, ciphertext []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, domain.ErrDecryption
	}
	return pt, nil
}

// EncryptHybrid は使い捨ての対称鍵でデータを暗号化し、その鍵をRSAで包む。
// 出力は uint32(BE) len || rsa(key) || aead(payload)。
func EncryptHybrid(publicPEM, plaintext []byte) ([]byte, error) {
	ephemeral, err := GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := EncryptAsymmetric(publicPEM, ephemeral)
	if err != nil {
		return nil, err
	}
	body, err := EncryptSymmetric(ephemeral, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, hybridLenSize, hybridLenSize+len(wrapped)+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(wrapped)))
	out = append(out, wrapped...)
	return append(out, body...), nil
}

// DecryptHybrid は EncryptHybrid の出力を復号する。
func DecryptHybrid(privatePEM, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < hybridLenSize {
		return nil, fmt.Errorf("%w: hybrid ciphertext too short", domain.ErrDecryption)
	}
	n := int(binary.BigEndian.Uint32(ciphertext[:hybridLenSize]))
	if n <= 0 || n > len(ciphertext)-hybridLenSize {
		return nil, fmt.Errorf("%w: invalid wrapped key length", domain.ErrDecryption)
	}
	ephemeral, err := DecryptAsymmetric(privatePEM, ciphertext[hybridLenSize:hybridLenSize+n])
	if err != nil {
		return nil, err
	}
	return DecryptSymmetric(ephemeral, ciphertext[hybridLenSize+n:])
}

// Encrypt は暗号化方式に応じて鍵素材で暗号化する。
func Encrypt(method domain.EncryptionMethod, mat *domain.KeyMaterial, plaintext []byte) ([]byte, error) {
	switch method {
	case domain.MethodSymmetric:
		if mat.Algorithm != domain.AlgorithmAES128GCM {
			return nil, fmt.Errorf("%w: %s cannot encrypt %s", domain.ErrUnsupportedAlgorithm, mat.Algorithm, method)
		}
		return EncryptSymmetric(mat.Secret, plaintext)
	case domain.MethodAsymmetric:
		if !mat.Algorithm.IsAsymmetric() {
			return nil, fmt.Errorf("%w: %s cannot encrypt %s", domain.ErrUnsupportedAlgorithm, mat.Algorithm, method)
		}
		return EncryptAsymmetric(mat.Public, plaintext)
	case domain.MethodHybrid:
		if !mat.Algorithm.IsAsymmetric() {
			return nil, fmt.Errorf("%w: %s cannot encrypt %s", domain.ErrUnsupportedAlgorithm, mat.Algorithm, method)
		}
		return EncryptHybrid(mat.Public, plaintext)
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedMethod, method)
}

// Decrypt は暗号化方式に応じて鍵素材で復号する。失敗は常に ErrDecryption。
func Decrypt(method domain.EncryptionMethod, mat *domain.KeyMaterial, ciphertext []byte) ([]byte, error) {
	switch method {
	case domain.MethodSymmetric:
		if mat.Algorithm != domain.AlgorithmAES128GCM {
			return nil, fmt.Errorf("%w: key algorithm mismatch", domain.ErrDecryption)
		}
		return DecryptSymmetric(mat.Secret, ciphertext)
	case domain.MethodAsymmetric:
		if !mat.Algorithm.IsAsymmetric() {
			return nil, fmt.Errorf("%w: key algorithm mismatch", domain.ErrDecryption)
		}
		return DecryptAsymmetric(mat.Secret, ciphertext)
	case domain.MethodHybrid:
		if !mat.Algorithm.IsAsymmetric() {
			return nil, fmt.Errorf("%w: key algorithm mismatch", domain.ErrDecryption)
		}
		return DecryptHybrid(mat.Secret, ciphertext)
	}
	return nil, fmt.Errorf("%w: unsupported method %q", domain.ErrDecryption, method)
}

// WrapKey はマスター鍵から導出したAES-256-GCM鍵で鍵素材を包む。
// keyID を追加認証データとして束縛するため、別の鍵IDの行に移すと復号できない。
func WrapKey(master []byte, keyID string, secret []byte) ([]byte, error) {
	aead, err := wrapAEAD(master)
	if err != nil {
		return nil, err
	}
	return seal(aead, secret, []byte(keyID))
}

// UnwrapKey は WrapKey で包んだ鍵素材を取り出す。
func UnwrapKey(master []byte, keyID string, wrapped []byte) ([]byte, error) {
	aead, err := wrapAEAD(master)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return open(aead, wrapped, []byte(keyID))
}

func fieldAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) != SymmetricKeySize {
		return nil, fmt.Errorf("symmetric secret must be %d bytes, got %d", SymmetricKeySize, len(secret))
	}
	return deriveAEAD(secret, fieldKeyInfo, fieldKeySize)
}

func wrapAEAD(master []byte) (cipher.AEAD, error) {
	if len(master) < MasterKeyMinSize {
		return nil, fmt.Errorf("master key must be at least %d bytes", MasterKeyMinSize)
	}
	return deriveAEAD(master, wrapKeyInfo, wrapKeySize)
}

func deriveAEAD(secret []byte, info string, size int) (cipher.AEAD, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(aead cipher.AEAD, ciphertext, aad []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(ciphertext) < ns+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	pt, err := aead.Open(nil, ciphertext[:ns], ciphertext[ns:], aad)
	if err != nil {
		return nil, domain.ErrDecryption
	}
	return pt, nil
}

package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// WebhookVerifier проверяет подпись входящих webhook-событий по общему секрету.
// Подпись считается HMAC-SHA256 от сырого тела запроса и передаётся в base64.
type WebhookVerifier struct {
	secretKey []byte
}

// NewWebhookVerifier создаёт новый экземпляр WebhookVerifier с указанным секретом.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &WebhookVerifier{
		secretKey: key,
	}
}

// Sign возвращает base64-подпись указанного тела.
func (v *WebhookVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify сверяет подпись с телом запроса. Сравнение выполняется за
// постоянное время.
func (v *WebhookVerifier) Verify(body []byte, signature string) bool {
	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write(body)

	return hmac.Equal(expected, mac.Sum(nil))
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testBotToken = "7312345678:AAFakeBotTokenForVerification0000000"

// signInitData builds a raw initData string signed with the bot token,
// the same way the Telegram client does.
func signInitData(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()

	pairs := make([]string, 0, len(fields))
	for k, v := range fields {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)

	secretMac := hmac.New(sha256.New, []byte("WebAppData"))
	secretMac.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secretMac.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	hash := hex.EncodeToString(mac.Sum(nil))

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", hash)
	return values.Encode()
}

func baseFields(authDate time.Time) map[string]string {
	return map[string]string{
		"auth_date": strconv.FormatInt(authDate.Unix(), 10),
		"query_id":  "AAH9mQEAAAAAAP2ZAQla",
		"user":      `{"id":9001,"first_name":"Alice","last_name":"Ng","username":"alice_ng"}`,
	}
}

func TestVerifyInitDataValid(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fields := baseFields(now.Add(-time.Hour))
	fields["start_param"] = "KR7YQ2MZ"
	raw := signInitData(t, testBotToken, fields)

	data, err := VerifyInitData(raw, testBotToken, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("VerifyInitData: %v", err)
	}
	if data.User.ID != 9001 {
		t.Errorf("user id = %d, want 9001", data.User.ID)
	}
	if data.User.FirstName != "Alice" || data.User.Username != "alice_ng" {
		t.Errorf("unexpected user: %+v", data.User)
	}
	if data.StartParam != "KR7YQ2MZ" {
		t.Errorf("start_param = %q, want KR7YQ2MZ", data.StartParam)
	}
	if want := now.Add(-time.Hour); !data.AuthDate.Equal(want) {
		t.Errorf("auth_date = %v, want %v", data.AuthDate, want)
	}
}

func TestVerifyInitDataWrongBotToken(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	raw := signInitData(t, "0000000000:AADifferentBot", baseFields(now))

	if _, err := VerifyInitData(raw, testBotToken, 24*time.Hour, now); err != errInitDataInvalid {
		t.Errorf("err = %v, want %v", err, errInitDataInvalid)
	}
}

func TestVerifyInitDataTampered(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	raw := signInitData(t, testBotToken, baseFields(now))

	tampered := strings.Replace(raw,
		url.QueryEscape(`"id":9001`), url.QueryEscape(`"id":9002`), 1)
	if tampered == raw {
		t.Fatal("tampering failed to change the payload")
	}

	if _, err := VerifyInitData(tampered, testBotToken, 24*time.Hour, now); err != errInitDataInvalid {
		t.Errorf("err = %v, want %v", err, errInitDataInvalid)
	}
}

func TestVerifyInitDataMissingHash(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	values := url.Values{}
	for k, v := range baseFields(now) {
		values.Set(k, v)
	}

	if _, err := VerifyInitData(values.Encode(), testBotToken, 24*time.Hour, now); err != errInitDataInvalid {
		t.Errorf("err = %v, want %v", err, errInitDataInvalid)
	}
}

func TestVerifyInitDataExpired(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	raw := signInitData(t, testBotToken, baseFields(now.Add(-25*time.Hour)))

	if _, err := VerifyInitData(raw, testBotToken, 24*time.Hour, now); err != errInitDataExpired {
		t.Errorf("err = %v, want %v", err, errInitDataExpired)
	}
}

func TestVerifyInitDataMissingUser(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	fields := baseFields(now)
	delete(fields, "user")
	raw := signInitData(t, testBotToken, fields)

	if _, err := VerifyInitData(raw, testBotToken, 24*time.Hour, now); err != errInitDataInvalid {
		t.Errorf("err = %v, want %v", err, errInitDataInvalid)
	}
}

// Package auth implements the session gateway: Telegram WebApp initData
// verification, JWT access tokens, Redis-backed refresh sessions, and the
// request middleware.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"prop-trading-engine/internal/apperr"
)

// initDataKey is the fixed HMAC key Telegram prescribes for deriving the
// per-bot secret from the bot token.
const initDataKey = "WebAppData"

// TelegramUser is the identity block embedded in initData.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// InitData is the verified payload of a WebApp login.
type InitData struct {
	User       TelegramUser
	AuthDate   time.Time
	StartParam string
}

var (
	errInitDataInvalid = apperr.Unauthenticated("init_data_invalid", "initData signature verification failed")
	errInitDataExpired = apperr.Unauthenticated("init_data_expired", "initData is too old")
)

// VerifyInitData checks the HMAC signature and freshness of a raw initData
// query string against the bot token, returning the embedded identity.
//
// The data-check string is every field except hash, sorted, joined as
// key=value lines; the signing secret is HMAC-SHA256 of the bot token keyed
// with "WebAppData".
func VerifyInitData(raw, botToken string, maxAge time.Duration, now time.Time) (*InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, errInitDataInvalid
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, errInitDataInvalid
	}
	values.Del("hash")

	pairs := make([]string, 0, len(values))
	for key := range values {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)
	checkString := strings.Join(pairs, "\n")

	secretMac := hmac.New(sha256.New, []byte(initDataKey))
	secretMac.Write([]byte(botToken))
	secret := secretMac.Sum(nil)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(checkString))
	wantHash := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(wantHash), []byte(gotHash)) {
		return nil, errInitDataInvalid
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, errInitDataInvalid
	}
	authDate := time.Unix(authUnix, 0).UTC()
	if now.Sub(authDate) > maxAge {
		return nil, errInitDataExpired
	}

	var user TelegramUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return nil, errInitDataInvalid
	}

	return &InitData{
		User:       user,
		AuthDate:   authDate,
		StartParam: values.Get("start_param"),
	}, nil
}

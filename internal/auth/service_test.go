package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"prop-trading-engine/internal/cache"
	"prop-trading-engine/internal/database"
)

type fakeUsers struct {
	byExternal map[int64]*database.User
	byID       map[string]*database.User
	byReferral map[string]*database.User
	created    int
	updates    int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		byExternal: make(map[int64]*database.User),
		byID:       make(map[string]*database.User),
		byReferral: make(map[string]*database.User),
	}
}

func (f *fakeUsers) add(u *database.User) {
	f.byExternal[u.ExternalID] = u
	f.byID[u.ID] = u
	f.byReferral[u.ReferralCode] = u
}

func (f *fakeUsers) GetUserByExternalID(_ context.Context, externalID int64) (*database.User, error) {
	if u, ok := f.byExternal[externalID]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeUsers) GetUserByID(_ context.Context, id string) (*database.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeUsers) GetUserByReferralCode(_ context.Context, code string) (*database.User, error) {
	if u, ok := f.byReferral[code]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

// CreateUser stores the user exactly as given; the repository inserts the
// service-supplied ID verbatim.
func (f *fakeUsers) CreateUser(_ context.Context, u *database.User) error {
	f.created++
	f.add(u)
	return nil
}

func (f *fakeUsers) UpdateUserProfile(_ context.Context, id string, username *string, firstName string, lastName *string) error {
	f.updates++
	u, ok := f.byID[id]
	if !ok {
		return database.ErrNotFound
	}
	u.Username = username
	u.FirstName = firstName
	u.LastName = lastName
	return nil
}

type fakeSessions struct {
	data map[string]string
}

func (f *fakeSessions) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.data[key] = fmt.Sprintf("%v", value)
	return nil
}

func (f *fakeSessions) Get(_ context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", cache.Nil
	}
	return v, nil
}

func (f *fakeSessions) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func authFixture() (*Service, *fakeUsers, *fakeSessions) {
	users := newFakeUsers()
	sessions := &fakeSessions{data: make(map[string]string)}
	jwt := NewJWTManager("test-secret", 15*time.Minute, 720*time.Hour)
	svc := NewService(users, sessions, jwt, testBotToken, 24*time.Hour, zerolog.Nop())
	return svc, users, sessions
}

func loginInitData(t *testing.T, startParam string) string {
	t.Helper()
	fields := baseFields(time.Now().UTC().Add(-time.Minute))
	if startParam != "" {
		fields["start_param"] = startParam
	}
	return signInitData(t, testBotToken, fields)
}

func TestLoginCreatesUser(t *testing.T) {
	svc, users, sessions := authFixture()

	user, pair, isNew, err := svc.Login(context.Background(), loginInitData(t, ""), "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !isNew {
		t.Error("first login must report is_new")
	}
	if user.ExternalID != 9001 || user.FirstName != "Alice" {
		t.Errorf("unexpected user: %+v", user)
	}
	if user.Role != database.RoleTrader {
		t.Errorf("role = %q, want %q", user.Role, database.RoleTrader)
	}
	if len(user.ReferralCode) != len(referralPrefix)+referralLength {
		t.Errorf("referral code %q has wrong shape", user.ReferralCode)
	}
	if users.created != 1 {
		t.Errorf("created = %d, want 1", users.created)
	}

	// The refresh session must resolve back to the new user.
	got, err := sessions.Get(context.Background(), cache.RefreshTokenKey(pair.RefreshToken))
	if err != nil || got != user.ID {
		t.Errorf("session = %q, %v; want %q", got, err, user.ID)
	}
}

func TestLoginAssignsUserID(t *testing.T) {
	svc, users, _ := authFixture()

	user, _, _, err := svc.Login(context.Background(), loginInitData(t, ""), "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// The users table has no ID default; the service must supply one.
	if user.ID == "" {
		t.Fatal("new user has empty ID")
	}
	if _, err := uuid.Parse(user.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", user.ID, err)
	}
	if stored, ok := users.byID[user.ID]; !ok || stored.ExternalID != 9001 {
		t.Errorf("store did not receive the user under ID %q", user.ID)
	}
}

func TestLoginAttributesReferral(t *testing.T) {
	svc, users, _ := authFixture()
	referrer := &database.User{ID: "u-referrer", ExternalID: 42, ReferralCode: "KR7YQ2MZ"}
	users.add(referrer)

	user, _, _, err := svc.Login(context.Background(), loginInitData(t, "KR7YQ2MZ"), "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ReferredBy == nil || *user.ReferredBy != referrer.ID {
		t.Errorf("referred_by = %v, want %q", user.ReferredBy, referrer.ID)
	}
}

func TestLoginExplicitReferralOverridesStartParam(t *testing.T) {
	svc, users, _ := authFixture()
	referrer := &database.User{ID: "u-referrer", ExternalID: 42, ReferralCode: "KR7YQ2MZ"}
	users.add(referrer)

	user, _, _, err := svc.Login(context.Background(), loginInitData(t, "KRNOSUCH"), "KR7YQ2MZ")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ReferredBy == nil || *user.ReferredBy != referrer.ID {
		t.Errorf("referred_by = %v, want %q", user.ReferredBy, referrer.ID)
	}
}

func TestLoginUnknownReferralIgnored(t *testing.T) {
	svc, _, _ := authFixture()

	user, _, _, err := svc.Login(context.Background(), loginInitData(t, "KRNOSUCH"), "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ReferredBy != nil {
		t.Errorf("referred_by = %v, want nil", user.ReferredBy)
	}
}

func TestLoginExistingUserSyncsProfile(t *testing.T) {
	svc, users, _ := authFixture()
	oldName := "Alicia"
	users.add(&database.User{
		ID: "u-1", ExternalID: 9001, FirstName: oldName,
		Role: database.RoleTrader, ReferralCode: "KRAAAAAA",
	})

	user, _, isNew, err := svc.Login(context.Background(), loginInitData(t, ""), "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if isNew || users.created != 0 {
		t.Errorf("is_new = %v, created = %d; want false, 0", isNew, users.created)
	}
	if user.FirstName != "Alice" || users.updates != 1 {
		t.Errorf("profile not synced: %+v (updates=%d)", user, users.updates)
	}
}

func TestLoginBlockedUser(t *testing.T) {
	svc, users, _ := authFixture()
	users.add(&database.User{
		ID: "u-1", ExternalID: 9001, FirstName: "Alice",
		Role: database.RoleTrader, ReferralCode: "KRAAAAAA", Blocked: true,
	})

	if _, _, _, err := svc.Login(context.Background(), loginInitData(t, ""), ""); err != errBlocked {
		t.Errorf("err = %v, want %v", err, errBlocked)
	}
}

func TestLoginBadSignature(t *testing.T) {
	svc, users, _ := authFixture()

	fields := baseFields(time.Now().UTC())
	raw := signInitData(t, "0000000000:AADifferentBot", fields)
	if _, _, _, err := svc.Login(context.Background(), raw, ""); err != errInitDataInvalid {
		t.Errorf("err = %v, want %v", err, errInitDataInvalid)
	}
	if users.created != 0 {
		t.Errorf("created = %d, want 0", users.created)
	}
}

func TestRefreshRotatesSession(t *testing.T) {
	svc, _, sessions := authFixture()

	user, pair, _, err := svc.Login(context.Background(), loginInitData(t, ""), "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	refreshed, next, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.ID != user.ID {
		t.Errorf("refreshed user = %q, want %q", refreshed.ID, user.ID)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The old token is gone: replaying it must fail.
	if _, ok := sessions.data[cache.RefreshTokenKey(pair.RefreshToken)]; ok {
		t.Error("old session still present after rotation")
	}
	if _, _, err := svc.Refresh(context.Background(), pair.RefreshToken); err == nil {
		t.Error("replayed refresh token must be rejected")
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	svc, _, _ := authFixture()

	if _, _, err := svc.Refresh(context.Background(), "bogus"); err == nil {
		t.Error("unknown refresh token must be rejected")
	}
}

func TestRefreshBlockedUser(t *testing.T) {
	svc, users, _ := authFixture()

	user, pair, _, err := svc.Login(context.Background(), loginInitData(t, ""), "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	users.byID[user.ID].Blocked = true

	if _, _, err := svc.Refresh(context.Background(), pair.RefreshToken); err != errBlocked {
		t.Errorf("err = %v, want %v", err, errBlocked)
	}
}

func TestLogout(t *testing.T) {
	svc, _, sessions := authFixture()

	_, pair, _, err := svc.Login(context.Background(), loginInitData(t, ""), "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(sessions.data) != 0 {
		t.Errorf("sessions remaining = %d, want 0", len(sessions.data))
	}
}

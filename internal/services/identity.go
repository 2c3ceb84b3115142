package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crash-mines-backend/internal/models"
)

const initDataMaxAge = 24 * time.Hour

var (
	ErrInitDataInvalid = errors.New("invalid telegram init data")
	ErrInitDataExpired = errors.New("telegram init data expired")
)

// DevOwnerID is the fixed identity handed out when the development bypass
// is enabled.
const DevOwnerID int64 = 123456789

// TelegramVerifier checks Mini App initData signed with the bot token.
type TelegramVerifier struct {
	botToken string
	maxAge   time.Duration
	now      func() time.Time
}

func NewTelegramVerifier(botToken string) *TelegramVerifier {
	return &TelegramVerifier{botToken: botToken, maxAge: initDataMaxAge, now: time.Now}
}

func (v *TelegramVerifier) secretKey() []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(v.botToken))
	return mac.Sum(nil)
}

// Sign builds the hash Telegram would attach to the given fields.
func (v *TelegramVerifier) Sign(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	mac := hmac.New(sha256.New, v.secretKey())
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *TelegramVerifier) Verify(initData string) (*models.TelegramUser, error) {
	if initData == "" || v.botToken == "" {
		return nil, ErrInitDataInvalid
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitDataInvalid, err)
	}

	hash := values.Get("hash")
	if hash == "" || !hmac.Equal([]byte(hash), []byte(v.Sign(values))) {
		return nil, ErrInitDataInvalid
	}

	authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad auth_date", ErrInitDataInvalid)
	}
	if v.now().Sub(time.Unix(authDate, 0)) > v.maxAge {
		return nil, ErrInitDataExpired
	}

	raw := values.Get("user")
	if raw == "" {
		return nil, fmt.Errorf("%w: no user", ErrInitDataInvalid)
	}
	var user models.TelegramUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitDataInvalid, err)
	}
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: no user id", ErrInitDataInvalid)
	}
	user.AuthDate = authDate
	return &user, nil
}

// IdentityVerifier turns a connection's auth token into an owner. A nil
// identity with a nil error never happens.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, token string) (*models.Identity, error)
}

// TokenVerifier accepts session JWTs. With allowDev set, an empty token or
// "dev" maps to the development identity.
type TokenVerifier struct {
	jwt      *JWTService
	allowDev bool
	log      logrus.FieldLogger
}

func NewTokenVerifier(jwtService *JWTService, allowDev bool, log logrus.FieldLogger) *TokenVerifier {
	return &TokenVerifier{jwt: jwtService, allowDev: allowDev, log: log.WithField("component", "identity")}
}

func (v *TokenVerifier) VerifyIdentity(ctx context.Context, token string) (*models.Identity, error) {
	token = strings.TrimSpace(token)
	if v.allowDev && (token == "" || token == "dev") {
		v.log.WithFields(logrus.Fields{
			"owner_id":   DevOwnerID,
			"dev_bypass": true,
		}).Warn("development identity used")
		return &models.Identity{OwnerID: DevOwnerID, DisplayName: "devuser", DevBypass: true}, nil
	}

	if token == "" {
		return nil, ErrNotAuthenticated
	}
	claims, err := v.jwt.ValidateToken(token)
	if err != nil {
		return nil, &GameError{Kind: KindAuthentication, Reason: "invalid or expired token", Err: err}
	}
	return &models.Identity{OwnerID: claims.UserID, DisplayName: claims.DisplayName}, nil
}

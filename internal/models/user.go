package models

type TelegramUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	AuthDate     int64  `json:"auth_date"`
}

func (u *TelegramUser) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return "Player"
}

// Identity is the verified owner bound to a live connection.
type Identity struct {
	OwnerID     int64  `json:"owner_id"`
	DisplayName string `json:"nickname"`
	DevBypass   bool   `json:"-"`
}

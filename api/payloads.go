package api

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"

	identity "github.com/goliatone/go-identity"
)

const (
	minPasswordLength  = 8
	maxPasswordLength  = 72
	defaultPhoneRegion = "US"
)

// SignupPayload is the body of POST /signup
type SignupPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Phone       string `json:"phone_number"`
	Address     string `json:"address"`
	Country     string `json:"country"`
	DateOfBirth string `json:"date_of_birth"`
	PictureName string `json:"picture_name"`
}

// Validate will validate the payload
func (r SignupPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
		validation.Field(&r.FirstName, validation.Length(0, 200)),
		validation.Field(&r.LastName, validation.Length(0, 200)),
		validation.Field(&r.Phone, validation.By(validPhone(r.Country))),
		validation.Field(&r.Country, validation.Length(0, 64)),
		validation.Field(&r.DateOfBirth, validation.Date("2006-01-02")),
	)
}

// NewAccount converts the payload. Validate must have passed.
func (r SignupPayload) NewAccount() identity.NewAccount {
	profile := identity.Profile{
		FirstName:   strings.TrimSpace(r.FirstName),
		LastName:    strings.TrimSpace(r.LastName),
		Address:     r.Address,
		Country:     r.Country,
		PictureName: r.PictureName,
	}
	if r.Phone != "" {
		profile.Phone, _ = NormalizePhone(r.Phone, r.Country)
	}
	if r.DateOfBirth != "" {
		if dob, err := time.Parse("2006-01-02", r.DateOfBirth); err == nil {
			profile.DateOfBirth = &dob
		}
	}
	return identity.NewAccount{
		Email:    r.Email,
		Password: r.Password,
		Profile:  profile,
	}
}

type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

type EmailPayload struct {
	Email string `json:"email"`
}

func (r EmailPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

type RefreshPayload struct {
	UserID       string `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}

func (r RefreshPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required, is.UUID),
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

type LogoutPayload struct {
	RefreshToken string `json:"refresh_token"`
	// All ends every session of the account
	All bool `json:"all"`
}

func (r LogoutPayload) Validate() error {
	rules := []validation.Rule{validation.Length(0, 512)}
	if !r.All {
		rules = append(rules, validation.Required)
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, rules...),
	)
}

type UpdatePasswordPayload struct {
	CurrentPassword string `json:"current_password"`
	UpdatedPassword string `json:"updated_password"`
}

func (r UpdatePasswordPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.UpdatedPassword, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
	)
}

// ResetPasswordPayload is the body of POST /updateForgottenPassword
type ResetPasswordPayload struct {
	Email    string `json:"email"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (r ResetPasswordPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Token, validation.Required, validation.Length(6, 6), is.Digit),
		validation.Field(&r.Password, validation.Required, validation.Length(minPasswordLength, maxPasswordLength)),
	)
}

type DeactivatePayload struct {
	Reason string `json:"reason"`
}

func (r DeactivatePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Reason, validation.Length(0, 500)),
	)
}

// NormalizePhone parses raw in the region implied by country and returns
// it in E164 form.
func NormalizePhone(raw, country string) (string, error) {
	region := defaultPhoneRegion
	if c := strings.TrimSpace(country); len(c) == 2 {
		region = strings.ToUpper(c)
	}

	num, err := phonenumbers.Parse(raw, region)
	if err != nil {
		return "", err
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("must be a valid phone number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func validPhone(country string) validation.RuleFunc {
	return func(value any) error {
		raw, _ := value.(string)
		if raw == "" {
			return nil
		}
		if _, err := NormalizePhone(raw, country); err != nil {
			return errors.New("must be a valid phone number")
		}
		return nil
	}
}

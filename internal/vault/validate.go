package vault

import (
	"encoding/base64"
	"net/url"

	"github.com/org/passvault/internal/autherr"
	"github.com/org/passvault/pkg/models"
)

const (
	MaxTitleLen    = 200
	MaxUsernameLen = 200
	MaxURLLen      = 500
	MaxTags        = 20
	MaxTagLen      = 50
)

func badRequest(msg string) error {
	return autherr.New(autherr.KindBadRequest, msg)
}

func checkTitle(s string) error {
	if n := len([]rune(s)); n < 1 || n > MaxTitleLen {
		return badRequest("title must be 1 to 200 characters")
	}
	return nil
}

func checkUsername(s string) error {
	if len([]rune(s)) > MaxUsernameLen {
		return badRequest("username must be at most 200 characters")
	}
	return nil
}

// checkURL accepts an empty string or an absolute URL.
func checkURL(s string) error {
	if s == "" {
		return nil
	}
	if len(s) > MaxURLLen {
		return badRequest("url must be at most 500 characters")
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return badRequest("url must be an absolute URL")
	}
	return nil
}

func checkTags(tags []string) error {
	if len(tags) > MaxTags {
		return badRequest("at most 20 tags are allowed")
	}
	for _, t := range tags {
		if len([]rune(t)) > MaxTagLen {
			return badRequest("tags must be at most 50 characters")
		}
	}
	return nil
}

func checkBlob(field, s string) error {
	if s == "" {
		return badRequest(field + " is required")
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		return badRequest(field + " must be base64")
	}
	return nil
}

func checkVersion(v int) error {
	if v <= 0 {
		return badRequest("version must be positive")
	}
	return nil
}

// ValidateItem checks a full item as sent on create or import.
func ValidateItem(it *models.VaultItem) error {
	for _, err := range []error{
		checkTitle(it.Title),
		checkUsername(it.Username),
		checkURL(it.URL),
		checkTags(it.Tags),
		checkBlob("encryptedData", it.EncryptedData),
		checkBlob("iv", it.IV),
		checkVersion(it.Version),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidatePatch checks only the fields a patch sets.
func ValidatePatch(p *models.VaultItemPatch) error {
	if p.Title != nil {
		if err := checkTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Username != nil {
		if err := checkUsername(*p.Username); err != nil {
			return err
		}
	}
	if p.URL != nil {
		if err := checkURL(*p.URL); err != nil {
			return err
		}
	}
	if p.Tags != nil {
		if err := checkTags(*p.Tags); err != nil {
			return err
		}
	}
	if p.EncryptedData != nil {
		if err := checkBlob("encryptedData", *p.EncryptedData); err != nil {
			return err
		}
	}
	if p.IV != nil {
		if err := checkBlob("iv", *p.IV); err != nil {
			return err
		}
	}
	if p.Version != nil {
		if err := checkVersion(*p.Version); err != nil {
			return err
		}
	}
	if (p.EncryptedData == nil) != (p.IV == nil) {
		return badRequest("encryptedData and iv must be updated together")
	}
	return nil
}

// Package seed provisions staff and admin accounts from a JSON file at startup.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/tyemirov/timecapsule/internal/auth"
	"github.com/tyemirov/timecapsule/internal/model"
	"gorm.io/gorm"
)

// File defines the JSON layout for account provisioning.
type File struct {
	Users []User `json:"users"`
}

// User declares one provisioned account. Password values may reference environment
// variables as ${NAME}.
type User struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	IsStaff  bool   `json:"isStaff"`
	IsAdmin  bool   `json:"isAdmin"`
	Disabled bool   `json:"disabled"`
}

// UsersFromFile loads accounts from a JSON file and upserts them by email.
func UsersFromFile(ctx context.Context, db *gorm.DB, path string) (int, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("seed users: read file: %w", err)
	}
	var seedFile File
	if err := json.Unmarshal(contents, &seedFile); err != nil {
		return 0, fmt.Errorf("seed users: parse json: %w", err)
	}
	if len(seedFile.Users) == 0 {
		return 0, fmt.Errorf("seed users: no users in %s", path)
	}
	return Users(ctx, db, seedFile.Users)
}

// Users validates every entry before writing any of them, then upserts all in one
// transaction.
func Users(ctx context.Context, db *gorm.DB, users []User) (int, error) {
	accounts := make([]model.User, 0, len(users))
	for index, spec := range users {
		account, err := buildAccount(spec)
		if err != nil {
			return 0, fmt.Errorf("seed users: entry %d: %w", index+1, err)
		}
		accounts = append(accounts, account)
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range accounts {
			if err := model.UpsertUserByEmail(ctx, tx, &accounts[index]); err != nil {
				return fmt.Errorf("seed users: upsert %s: %w", accounts[index].Email, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(accounts), nil
}

func buildAccount(spec User) (model.User, error) {
	email := model.NormalizeEmail(spec.Email)
	if parsed, err := mail.ParseAddress(email); err != nil || parsed.Address != email {
		return model.User{}, fmt.Errorf("invalid email %q", spec.Email)
	}
	password := os.ExpandEnv(spec.Password)
	if len(password) < auth.MinPasswordLength {
		return model.User{}, fmt.Errorf("password for %s is shorter than %d characters", email, auth.MinPasswordLength)
	}
	passwordHash, err := auth.HashSecret(password)
	if err != nil {
		return model.User{}, err
	}
	return model.User{
		Email:        email,
		Name:         strings.TrimSpace(spec.Name),
		PasswordHash: passwordHash,
		IsActive:     !spec.Disabled,
		IsStaff:      spec.IsStaff || spec.IsAdmin,
		IsAdmin:      spec.IsAdmin,
	}, nil
}

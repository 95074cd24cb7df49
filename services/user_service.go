package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/yeremiapane/restaurant-reservations/models"
)

// Staff roles stored on users.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleWaiter  = "waiter"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

func ValidStaffRole(role string) bool {
	return role == RoleAdmin || role == RoleManager || role == RoleWaiter
}

// CreateUser hashes password and stores a staff user.
func CreateUser(ctx context.Context, db *gorm.DB, name, email, password, role string) (models.User, error) {
	role = strings.ToLower(role)
	if !ValidStaffRole(role) {
		return models.User{}, fmt.Errorf("%w: unknown role %q", models.ErrValidation, role)
	}
	if len(password) < 8 {
		return models.User{}, fmt.Errorf("%w: password must be at least 8 characters", models.ErrValidation)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	var n int64
	if err := db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&n).Error; err != nil {
		return models.User{}, err
	}
	if n > 0 {
		return models.User{}, fmt.Errorf("email %s already registered: %w", email, models.ErrConflict)
	}

	user := models.User{
		Name:     name,
		Email:    email,
		Password: string(hashed),
		Role:     role,
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Authenticate returns the user whose password matches. Unknown email and
// wrong password give the same error.
func Authenticate(ctx context.Context, db *gorm.DB, email, password string) (models.User, error) {
	var user models.User
	if err := db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

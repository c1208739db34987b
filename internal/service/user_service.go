package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"realtime-chat/internal/domain"
	"realtime-chat/internal/email"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/repository"
)

// UserService coordina registro, verificacion de email y login.
type UserService struct {
	logger      *zap.Logger
	users       repository.UserRepository
	emailSender email.Sender
	limiter     RateLimiter
	events      EventPublisher
}

// EventPublisher publica filas nuevas en el feed de cambios.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event domain.ChangeEvent) error
}

func NewUserService(logger *zap.Logger, users repository.UserRepository, emailSender email.Sender, limiter RateLimiter, events EventPublisher) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = NewRateLimiter(verificationTTL, 3)
	}
	return &UserService{
		logger:      logger,
		users:       users,
		emailSender: emailSender,
		limiter:     limiter,
		events:      events,
	}
}

type SignUpInput struct {
	Email       string
	Password    string
	DisplayName string
}

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrOTPNotRequested    = errors.New("verification not requested")
	ErrOTPExpired         = errors.New("verification code expired")
	ErrOTPInvalid         = errors.New("verification code invalid")
	ErrEmailSendFailure   = errors.New("email send failed")
	ErrEmailNotVerified   = errors.New("email not verified")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("password too short")
)

const (
	verificationTTL   = 10 * time.Minute
	minPasswordLength = 8
)

// SignUp crea la cuenta (y su perfil) sin verificar y envia el codigo de confirmacion.
// Si el email no pudo enviarse la cuenta queda creada y se puede pedir reenvio.
func (s *UserService) SignUp(ctx context.Context, input SignUpInput) (domain.User, error) {
	if s.users == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	emailAddr := normalizeEmail(input.Email)
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return domain.User{}, ErrInvalidEmail
	}
	password := strings.TrimSpace(input.Password)
	if len(password) < minPasswordLength {
		return domain.User{}, ErrWeakPassword
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = strings.SplitN(emailAddr, "@", 2)[0]
	}

	if !s.limiter.Allow(emailAddr) {
		return domain.User{}, ErrRateLimited
	}

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	code, otpHash, expiresAt, err := generateOTP()
	if err != nil {
		return domain.User{}, err
	}

	user := domain.User{
		ID:           uuid.NewString(),
		Email:        emailAddr,
		DisplayName:  displayName,
		PasswordHash: string(hashBytes),
		OtpCodeHash:  otpHash,
		OtpExpiresAt: &expiresAt,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return domain.User{}, ErrUserExists
		}
		return domain.User{}, err
	}
	s.publishProfile(ctx, user.Profile())

	if err := s.sendCode(ctx, emailAddr, code, expiresAt); err != nil {
		return user, err
	}
	return user, nil
}

// ResendVerification genera un codigo nuevo para una cuenta no verificada.
func (s *UserService) ResendVerification(ctx context.Context, emailAddr string) error {
	if s.users == nil {
		return errors.New("user service not configured")
	}
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" {
		return ErrInvalidEmail
	}
	if !s.limiter.Allow(emailAddr) {
		return ErrRateLimited
	}

	user, err := s.users.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}
	if user.EmailVerifiedAt != nil {
		return nil
	}

	code, hash, expiresAt, err := generateOTP()
	if err != nil {
		return err
	}
	if err := s.users.UpdateOTP(ctx, user.ID, hash, expiresAt); err != nil {
		return err
	}
	return s.sendCode(ctx, emailAddr, code, expiresAt)
}

func (s *UserService) VerifyEmail(ctx context.Context, emailAddr, code string) (domain.User, error) {
	if s.users == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	emailAddr = normalizeEmail(emailAddr)
	code = strings.TrimSpace(code)
	if emailAddr == "" {
		return domain.User{}, ErrInvalidEmail
	}
	if !isValidOTPCode(code) {
		return domain.User{}, ErrOTPInvalid
	}

	user, err := s.users.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}

	if user.OtpCodeHash == "" || user.OtpExpiresAt == nil {
		return domain.User{}, ErrOTPNotRequested
	}
	if time.Now().UTC().After(*user.OtpExpiresAt) {
		return domain.User{}, ErrOTPExpired
	}
	if !verifyOTP(code, user.OtpCodeHash) {
		return domain.User{}, ErrOTPInvalid
	}

	verifiedAt := time.Now().UTC()
	if err := s.users.VerifyEmail(ctx, user.ID, verifiedAt); err != nil {
		return domain.User{}, err
	}

	user.EmailVerifiedAt = &verifiedAt
	user.OtpCodeHash = ""
	user.OtpExpiresAt = nil
	return user, nil
}

func (s *UserService) Authenticate(ctx context.Context, emailAddr, password string) (domain.User, error) {
	if s.users == nil {
		return domain.User{}, errors.New("user service not configured")
	}

	emailAddr = normalizeEmail(emailAddr)
	password = strings.TrimSpace(password)
	if emailAddr == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	user, err := s.users.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, err
	}
	if user.PasswordHash == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	if user.EmailVerifiedAt == nil {
		return domain.User{}, ErrEmailNotVerified
	}
	return user, nil
}

func (s *UserService) GetUser(ctx context.Context, id string) (domain.User, error) {
	if s.users == nil {
		return domain.User{}, errors.New("user service not configured")
	}
	user, err := s.users.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}
	return user, nil
}

func (s *UserService) sendCode(ctx context.Context, emailAddr, code string, expiresAt time.Time) error {
	if s.emailSender == nil {
		return ErrEmailSendFailure
	}
	if err := s.emailSender.SendVerificationCode(ctx, emailAddr, code, expiresAt); err != nil {
		s.logger.Warn("send verification code failed", zap.Error(err), zap.String("email", emailAddr))
		return ErrEmailSendFailure
	}
	return nil
}

func (s *UserService) publishProfile(ctx context.Context, profile domain.Profile) {
	if s.events == nil {
		return
	}
	ev, err := domain.NewInsertEvent(domain.TableProfile, profile)
	if err != nil {
		s.logger.Warn("encode profile event failed", zap.Error(err))
		return
	}
	if err := s.events.Publish(ctx, realtime.ProfileTopic, ev); err != nil {
		s.logger.Warn("publish profile event failed", zap.Error(err), zap.String("user_id", profile.ID))
	}
}

func generateOTP() (string, string, time.Time, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", "", time.Time{}, err
	}
	code := fmt.Sprintf("%06d", n.Int64())

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", time.Time{}, err
	}
	saltStr := base64.StdEncoding.EncodeToString(salt)
	hashBytes := sha256.Sum256([]byte(saltStr + ":" + code))
	hash := base64.StdEncoding.EncodeToString(hashBytes[:])

	expiresAt := time.Now().UTC().Add(verificationTTL)
	return code, saltStr + ":" + hash, expiresAt, nil
}

func verifyOTP(code, stored string) bool {
	parts := strings.Split(stored, ":")
	if len(parts) != 2 {
		return false
	}
	hashBytes := sha256.Sum256([]byte(parts[0] + ":" + code))
	hash := base64.StdEncoding.EncodeToString(hashBytes[:])
	return subtle.ConstantTimeCompare([]byte(hash), []byte(parts[1])) == 1
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isValidOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Package auth checks credentials against the users known to the data
// center, issues access tokens for embargoed products and keeps the audit
// log of protected accesses.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"vo_platform/base"
	"vo_platform/schema"
	"vo_platform/utils/logging"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUsernameAlreadyInUse = errors.New("username is already in use")
)

type contextKey string

const userRequestContextKey contextKey = "user"

// DefaultRealm is announced in WWW-Authenticate challenges.
const DefaultRealm = "Data Center"

// BasicProvider authenticates HTTP basic credentials against dc.users.
type BasicProvider struct {
	db       *gorm.DB
	auditLog AuditLogger
	// admin may access every protected service.
	admin string
}

type BasicProviderArgs struct {
	AdminUsername string
	AdminPassword string
}

// NewBasicProvider makes sure the configured admin user exists.
func NewBasicProvider(db *gorm.DB, auditLog AuditLogger, args BasicProviderArgs) (*BasicProvider, error) {
	if args.AdminUsername != "" && args.AdminPassword != "" {
		if err := addInitialAdminToDb(db, args.AdminUsername, args.AdminPassword); err != nil {
			return nil, fmt.Errorf("error adding inital admin to db: %w", err)
		}
	}
	return &BasicProvider{db: db, auditLog: auditLog, admin: args.AdminUsername}, nil
}

func addInitialAdminToDb(db *gorm.DB, username, password string) error {
	_, err := schema.GetUser(db, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, schema.ErrUserNotFound) {
		return err
	}
	return CreateUser(db, username, password, "data center administrator")
}

// CreateUser stores a new user with a bcrypt hash of the password.
func CreateUser(db *gorm.DB, username, password, remarks string) error {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return fmt.Errorf("error encrypting password: %w", err)
	}

	return db.Transaction(func(txn *gorm.DB) error {
		var existing schema.User
		result := txn.Limit(1).Find(&existing, "username = ?", username)
		if result.Error != nil {
			slog.Error("sql error checking for existing username", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return ErrUsernameAlreadyInUse
		}

		user := schema.User{Username: username, Password: hashedPwd, Remarks: remarks}
		if err := txn.Create(&user).Error; err != nil {
			slog.Error("sql error creating new user entry", "error", err)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
}

// CheckCredentials returns the user if the password matches.
func (auth *BasicProvider) CheckCredentials(username, password string) (schema.User, error) {
	user, err := schema.GetUser(auth.db, username)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return schema.User{}, ErrInvalidCredentials
		}
		return schema.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.Password, []byte(password)); err != nil {
		return schema.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Authenticate returns the name of the user sending valid basic
// credentials with r; it is empty for anonymous requests.
func (auth *BasicProvider) Authenticate(r *http.Request) (string, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return "", nil
	}
	user, err := auth.CheckCredentials(username, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			slog.Info("rejected credentials", "code", logging.AUTH, "username", username, "client_ip", clientIp(r))
			return "", &base.AuthorizationError{Realm: DefaultRealm, Msg: "Bad username or password"}
		}
		return "", err
	}
	return user.Username, nil
}

// Allows tells whether user may access a resource limited to limitTo.
func (auth *BasicProvider) Allows(user, limitTo string) bool {
	if limitTo == "" {
		return true
	}
	return user != "" && (user == limitTo || user == auth.admin)
}

// OwnerAccess tells whether user may access data belonging to owner
// while it is embargoed. Data without an owner is for the admin only.
func (auth *BasicProvider) OwnerAccess(user, owner string) bool {
	if user == "" {
		return false
	}
	return user == auth.admin || (owner != "" && user == owner)
}

// Audit records an authenticated access to resource.
func (auth *BasicProvider) Audit(r *http.Request, user, resource string) {
	auth.auditLog.Record(r, user, resource)
}

// Require authenticates r for a resource restricted to limitTo and
// records the access in the audit log. An empty limitTo admits anonymous
// requests.
func (auth *BasicProvider) Require(r *http.Request, limitTo, resource string) (*http.Request, error) {
	user, err := auth.Authenticate(r)
	if err != nil {
		return r, err
	}
	if !auth.Allows(user, limitTo) {
		return r, &base.AuthorizationError{Realm: DefaultRealm, Msg: "This resource requires authorization"}
	}
	if limitTo != "" {
		auth.auditLog.Record(r, user, resource)
	}
	if user == "" {
		return r, nil
	}
	return r.WithContext(context.WithValue(r.Context(), userRequestContextKey, user)), nil
}

// Middleware rejects requests without credentials of a user allowed
// for limitTo.
func (auth *BasicProvider) Middleware(limitTo, resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, err := auth.Require(r, limitTo, resource)
			if err != nil {
				var aerr *base.AuthorizationError
				if errors.As(err, &aerr) {
					w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", aerr.Realm))
				}
				http.Error(w, err.Error(), base.StatusCode(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext returns the authenticated user of a request passed
// through Require.
func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userRequestContextKey).(string)
	return user, ok
}

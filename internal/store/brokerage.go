// File: internal/store/brokerage.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

const sqlSelectPropertyOwner = `
SELECT p.id, p.registration_number, p.address, p.city, p.state, p.zip_code,
       o.id, o.full_name, o.cpf, o.cnpj, o.mother_name, o.birth_date, o.email, o.phone
FROM properties p
JOIN owners o ON o.id = p.owner_id
WHERE p.id = $1
`

const sqlSelectUser = `
SELECT id, full_name, email, phone
FROM users
WHERE id = $1
`

// LoadDataContext builds the data context for a run from the property, its
// owner and the requesting user. Null columns are left out so that steps
// referencing them fail with a missing-data error.
func (s *Store) LoadDataContext(ctx context.Context, propertyID, requesterID int64) (schemas.DataContext, error) {
	var (
		propID, ownerID                               int64
		registration, address, city, state, zip       *string
		fullName, cpf, cnpj, motherName, email, phone *string
		birthDate                                     *time.Time
	)
	err := s.pool.QueryRow(ctx, sqlSelectPropertyOwner, propertyID).Scan(
		&propID, &registration, &address, &city, &state, &zip,
		&ownerID, &fullName, &cpf, &cnpj, &motherName, &birthDate, &email, &phone,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.NewError(schemas.KindNotFound, "property %d not found", propertyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load property %d: %w", propertyID, err)
	}

	property := map[string]interface{}{"id": propID}
	setText(property, "registration", registration)
	setText(property, "address", address)
	setText(property, "city", city)
	setText(property, "state", state)
	setText(property, "zipCode", zip)

	owner := map[string]interface{}{"id": ownerID}
	setText(owner, "fullName", fullName)
	setText(owner, "cpf", cpf)
	setText(owner, "cnpj", cnpj)
	setText(owner, "motherName", motherName)
	setText(owner, "email", email)
	setText(owner, "phone", phone)
	if birthDate != nil && !birthDate.IsZero() {
		owner["birthDate"] = *birthDate
	}
	// Portals that accept either document read owner.document.
	if v, ok := owner["cpf"]; ok {
		owner["document"] = v
	} else if v, ok := owner["cnpj"]; ok {
		owner["document"] = v
	}

	dc := schemas.DataContext{
		schemas.GroupProperty: property,
		schemas.GroupOwner:    owner,
	}

	if requesterID > 0 {
		user, err := s.loadUser(ctx, requesterID)
		if err != nil {
			return nil, err
		}
		dc[schemas.GroupUser] = user
	}
	return dc, nil
}

func (s *Store) loadUser(ctx context.Context, id int64) (map[string]interface{}, error) {
	var (
		userID                 int64
		fullName, email, phone *string
	)
	err := s.pool.QueryRow(ctx, sqlSelectUser, id).Scan(&userID, &fullName, &email, &phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.NewError(schemas.KindNotFound, "user %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	user := map[string]interface{}{"id": userID}
	setText(user, "fullName", fullName)
	setText(user, "email", email)
	setText(user, "phone", phone)
	return user, nil
}

func setText(m map[string]interface{}, key string, v *string) {
	if v == nil {
		return
	}
	if trimmed := strings.TrimSpace(*v); trimmed != "" {
		m[key] = trimmed
	}
}

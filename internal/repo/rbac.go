package repo

import (
	"context"
	"time"
)

// RoleStore persists RBAC user role assignments in user_roles.
type RoleStore struct {
	Repo Repo
	Now  func() time.Time
}

func (s RoleStore) LoadAssignments(ctx context.Context) (map[string][]string, error) {
	rows, err := s.Repo.DB.QueryContext(ctx, `SELECT user_id, role_id FROM user_roles ORDER BY user_id, assigned_at, role_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var user, role string
		if err := rows.Scan(&user, &role); err != nil {
			return nil, err
		}
		out[user] = append(out[user], role)
	}
	return out, rows.Err()
}

func (s RoleStore) SaveAssignment(ctx context.Context, userID, roleID string) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	_, err := s.Repo.DB.ExecContext(ctx, `INSERT OR IGNORE INTO user_roles(user_id, role_id, assigned_at) VALUES (?,?,?)`,
		userID, roleID, now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s RoleStore) DeleteAssignment(ctx context.Context, userID, roleID string) error {
	_, err := s.Repo.DB.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id=? AND role_id=?`, userID, roleID)
	return err
}

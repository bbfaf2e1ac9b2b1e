package clients

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func testRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	r := NewRegistry(t.TempDir(), zaptest.NewLogger(t))
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegisterUser_SameUserTwice(t *testing.T) {
	r, now := testRegistry(t)
	first, err := r.RegisterUser("ab12", "ann@example.com")
	if err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Minute)
	second, err := r.RegisterUser("ab12", "ann@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Fatalf("users = %v", second)
	}
	if second["ann@example.com"] < first["ann@example.com"] {
		t.Fatalf("timestamp went backwards: %s < %s", second["ann@example.com"], first["ann@example.com"])
	}
}

func TestRegisterUser_NewUserAdds(t *testing.T) {
	r, _ := testRegistry(t)
	if _, err := r.RegisterUser("ab12", "ann@example.com"); err != nil {
		t.Fatal(err)
	}
	before, _ := r.Users("ab12")
	users, err := r.RegisterUser("ab12", "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users["ann@example.com"] != before["ann@example.com"] {
		t.Fatalf("users = %v", users)
	}

	persisted, err := r.Users("ab12")
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted = %v", persisted)
	}
}

func TestRegisterUser_Validation(t *testing.T) {
	r, _ := testRegistry(t)
	tests := []struct {
		client, user string
		want         error
	}{
		{"abc", "ann@example.com", ErrInvalidClientID},
		{"ab-1", "ann@example.com", ErrInvalidClientID},
		{"abcde", "ann@example.com", ErrInvalidClientID},
		{"ab12", "ann", ErrInvalidUsername},
		{"ab12", "", ErrInvalidUsername},
	}
	for _, tt := range tests {
		if _, err := r.RegisterUser(tt.client, tt.user); !errors.Is(err, tt.want) {
			t.Errorf("RegisterUser(%q, %q) err = %v, want %v", tt.client, tt.user, err, tt.want)
		}
	}
}

func TestUsers_MissingFileIsEmpty(t *testing.T) {
	r, _ := testRegistry(t)
	users, err := r.Users("zz99")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Fatalf("users = %v", users)
	}
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, roles))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRoles("nurse")
	if err := RequireRole("doctor", "nurse")(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_CaseInsensitive(t *testing.T) {
	c := contextWithRoles("Doctor")
	if err := RequireRole("doctor")(okHandler)(c); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithRoles("user")
	err := RequireRole("doctor", "nurse")(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c := contextWithRoles("ADMIN")
	if err := RequireRole("technician")(okHandler)(c); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_NoRoles(t *testing.T) {
	c := contextWithRoles()
	err := RequireRole("nurse")(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
}

func TestHasAnyRole(t *testing.T) {
	tests := []struct {
		held     []string
		required []string
		want     bool
	}{
		{[]string{"nurse"}, []string{"nurse"}, true},
		{[]string{"nurse"}, []string{"doctor"}, false},
		{[]string{"admin"}, []string{"doctor"}, true},
		{nil, []string{"doctor"}, false},
		{[]string{"technician", "user"}, []string{"technician"}, true},
	}
	for _, tt := range tests {
		if got := HasAnyRole(tt.held, tt.required...); got != tt.want {
			t.Errorf("HasAnyRole(%v, %v) = %v, want %v", tt.held, tt.required, got, tt.want)
		}
	}
}

func TestUserIDFromContext_Empty(t *testing.T) {
	if uid := UserIDFromContext(context.Background()); uid != "" {
		t.Errorf("expected empty user id, got %q", uid)
	}
	if roles := RolesFromContext(context.Background()); roles != nil {
		t.Errorf("expected nil roles, got %v", roles)
	}
}

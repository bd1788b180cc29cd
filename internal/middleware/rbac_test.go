package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func roleApp(userID interface{}, role string) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID != nil {
			c.Locals("user_id", userID)
		}
		if role != "" {
			c.Locals("user_role", role)
		}
		return c.Next()
	})
	app.Use(RequireRole(RoleReviewer, RoleTeacher))
	app.Get("/evaluations", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name   string
		userID interface{}
		role   string
		status int
	}{
		{name: "reviewer allowed", userID: uint(4), role: "Reviewer", status: fiber.StatusOK},
		{name: "teacher allowed", userID: uint(4), role: "teacher", status: fiber.StatusOK},
		{name: "student forbidden", userID: uint(4), role: "student", status: fiber.StatusForbidden},
		{name: "anonymous rejected", role: "teacher", status: fiber.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/evaluations", nil)
			resp, err := roleApp(tc.userID, tc.role).Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

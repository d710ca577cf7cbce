package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"haven.app/ash/internal/http/handler"
)

var _ = Describe("AdminHandler", func() {
	var (
		router      *gin.Engine
		prefs       *mockPreferenceStore
		adminAPIKey string
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		prefs = &mockPreferenceStore{}
		adminAPIKey = "test-admin-key"
		h := handler.NewAdminHandler(prefs, adminAPIKey)

		admin := router.Group("/admin")
		admin.Use(h.RequireAdminAPIKey())
		{
			admin.POST("/optout", h.SetOptOut)
			admin.GET("/optout/:user_id", h.GetOptOut)
		}
	})

	Describe("SetOptOut", func() {
		Context("with valid admin API key", func() {
			It("records the opt-out and returns 200", func() {
				var gotUser string
				var gotFlag bool
				prefs.setOptOutFn = func(_ context.Context, userID string, optedOut bool) error {
					gotUser = userID
					gotFlag = optedOut
					return nil
				}

				body, _ := json.Marshal(map[string]any{"user_id": "u1", "opted_out": true})
				req := httptest.NewRequest(http.MethodPost, "/admin/optout", bytes.NewBuffer(body))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Admin-API-Key", adminAPIKey)
				w := httptest.NewRecorder()

				router.ServeHTTP(w, req)

				Expect(w.Code).To(Equal(http.StatusOK))
				Expect(gotUser).To(Equal("u1"))
				Expect(gotFlag).To(BeTrue())
			})

			It("accepts clearing an opt-out", func() {
				var gotFlag = true
				prefs.setOptOutFn = func(_ context.Context, _ string, optedOut bool) error {
					gotFlag = optedOut
					return nil
				}

				body, _ := json.Marshal(map[string]any{"user_id": "u1", "opted_out": false})
				req := httptest.NewRequest(http.MethodPost, "/admin/optout", bytes.NewBuffer(body))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Admin-API-Key", adminAPIKey)
				w := httptest.NewRecorder()

				router.ServeHTTP(w, req)

				Expect(w.Code).To(Equal(http.StatusOK))
				Expect(gotFlag).To(BeFalse())
			})

			It("returns 400 when opted_out is omitted", func() {
				body, _ := json.Marshal(map[string]any{"user_id": "u1"})
				req := httptest.NewRequest(http.MethodPost, "/admin/optout", bytes.NewBuffer(body))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-Admin-API-Key", adminAPIKey)
				w := httptest.NewRecorder()

				router.ServeHTTP(w, req)

				Expect(w.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GetOptOut", func() {
		It("returns the current opt-out state", func() {
			prefs.optedOutFn = func(_ context.Context, userID string) (bool, error) {
				return userID == "u1", nil
			}

			req := httptest.NewRequest(http.MethodGet, "/admin/optout/u1", nil)
			req.Header.Set("X-Admin-API-Key", adminAPIKey)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))

			var resp map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["opted_out"]).To(BeTrue())
		})
	})

	Describe("RequireAdminAPIKey middleware", func() {
		It("rejects requests without an API key", func() {
			req := httptest.NewRequest(http.MethodGet, "/admin/optout/u1", nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects requests with a wrong API key", func() {
			req := httptest.NewRequest(http.MethodGet, "/admin/optout/u1", nil)
			req.Header.Set("X-Admin-API-Key", "wrong")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})

		It("accepts Bearer token authorization", func() {
			req := httptest.NewRequest(http.MethodGet, "/admin/optout/u1", nil)
			req.Header.Set("Authorization", "Bearer "+adminAPIKey)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusOK))
		})

		It("returns 503 when no admin key is configured", func() {
			bare := gin.New()
			h := handler.NewAdminHandler(prefs, "")
			group := bare.Group("/admin")
			group.Use(h.RequireAdminAPIKey())
			group.GET("/optout/:user_id", h.GetOptOut)

			req := httptest.NewRequest(http.MethodGet, "/admin/optout/u1", nil)
			req.Header.Set("X-Admin-API-Key", "anything")
			w := httptest.NewRecorder()

			bare.ServeHTTP(w, req)

			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})
})

// Package api serves the Clarinet REST surface: authentication, record
// and record-type CRUD, payload submission and the Slicer bridge.
package api

import (
	"github.com/labstack/echo/v4"

	"github.com/clarinet-dicom/clarinet/auth"
	"github.com/clarinet-dicom/clarinet/config"
	"github.com/clarinet-dicom/clarinet/slicer"
	"github.com/clarinet-dicom/clarinet/store"
)

// adminRole may administer record types. Superusers pass implicitly.
const adminRole = "admin"

// Handler carries the services the REST surface dispatches into.
type Handler struct {
	store    *store.Store
	auth     *auth.Service
	slicer   *slicer.Service
	settings *config.Settings
}

func NewHandler(entityStore *store.Store, authService *auth.Service, slicerService *slicer.Service, settings *config.Settings) *Handler {
	return &Handler{
		store:    entityStore,
		auth:     authService,
		slicer:   slicerService,
		settings: settings,
	}
}

// Register mounts the API routes. Everything except login requires a
// session.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/api/auth/login", h.Login)

	authed := e.Group("/api", auth.Middleware(h.auth, h.settings.Session.CookieName))
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/auth/me", h.Me)

	authed.GET("/records", h.ListRecords)
	authed.POST("/records", h.CreateRecord)
	authed.GET("/records/available", h.AvailableTypes)

	authed.GET("/records/types", h.ListRecordTypes)
	authed.GET("/records/types/:name", h.GetRecordType)

	// Type administration is reserved for the admin role.
	admin := auth.RequireRole(adminRole)
	authed.POST("/records/types", h.CreateRecordType, admin)
	authed.PATCH("/records/types/:name", h.UpdateRecordType, admin)
	authed.DELETE("/records/types/:name", h.DeleteRecordType, admin)

	authed.GET("/records/:id", h.GetRecord)
	authed.PATCH("/records/:id", h.UpdateRecord)
	authed.POST("/records/:id/data", h.SubmitRecordData)
	authed.POST("/records/:id/slicer", h.RunSlicerScript)
}

package api

import (
	"github.com/gin-contrib/cors"
	"github.com/wb-go/wbf/ginext"

	"slotbooker/cmd/middleware"
	"slotbooker/internal/service"
)

type Routers struct {
	Service service.Service
}

func NewRouters(r *Routers) *ginext.Engine {
	app := ginext.New("release")

	app.Use(middleware.LoggingMiddleware())
	app.Use(cors.Default())
	apiGroup := app.Group("/v1")

	apiGroup.POST("/events", r.Service.CreateEvent)
	apiGroup.GET("/events", r.Service.GetAllEvents)
	apiGroup.POST("/events/:id/slots", r.Service.CreateSlot)
	apiGroup.GET("/events/:id/slots", r.Service.GetSlots)
	apiGroup.GET("/slots/:id", r.Service.GetSlotInfo)
	apiGroup.POST("/slots/:id/book", r.Service.Book)
	apiGroup.GET("/registrations/confirm", r.Service.Confirm)
	apiGroup.POST("/registrations/confirm", r.Service.Confirm)
	apiGroup.POST("/registrations/:id/cancel", r.Service.Cancel)
	apiGroup.POST("/registrations/:id/checkin", r.Service.CheckIn)
	apiGroup.GET("/checkin/search", r.Service.SearchRegistration)
	apiGroup.GET("/activity", r.Service.RecentActivity)

	return app
}

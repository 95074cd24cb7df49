package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yeremiapane/restaurant-reservations/controllers"
	"github.com/yeremiapane/restaurant-reservations/hub"
	"github.com/yeremiapane/restaurant-reservations/middlewares"
	"github.com/yeremiapane/restaurant-reservations/services"
)

// Deps is everything the HTTP surface needs. Hub may be nil, in which case
// /ws is not mounted.
type Deps struct {
	DB             *gorm.DB
	Service        *services.ReservationService
	Hub            *hub.Hub
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP; zero disables it.
	RateLimit int
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddlewares(d.AllowedOrigins))
	r.Use(middlewares.LoggerMiddleware())
	if d.RateLimit > 0 {
		r.Use(middlewares.NewRateLimiter(d.RateLimit, time.Minute).RateLimit())
	}

	userCtrl := controllers.NewUserController(d.DB)
	reservationCtrl := controllers.NewReservationController(d.Service)
	tableCtrl := controllers.NewTableController(d.Service)
	waitlistCtrl := controllers.NewWaitlistController(d.Service)

	// ----------------------------------------------------------------
	//                      PUBLIC ROUTES
	// ----------------------------------------------------------------
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	// Rate limiter untuk login/register
	public := r.Group("/")
	public.Use(middlewares.NewStrictRateLimiter().RateLimit())
	{
		public.POST("/register", userCtrl.Register)
		public.POST("/login", userCtrl.Login)
	}

	// Realtime channel untuk staff, token lewat query string
	if d.Hub != nil {
		realtimeCtrl := controllers.NewRealtimeController(d.Hub, d.AllowedOrigins)
		r.GET("/ws", middlewares.WebSocketAuthMiddleware(), realtimeCtrl.Connect)
	}

	// ----------------------------------------------------------------
	//                      AUTHENTICATED ROUTES
	// ----------------------------------------------------------------
	auth := r.Group("/admin")
	auth.Use(middlewares.AuthMiddleware())

	auth.GET("/profile", userCtrl.GetProfile)

	users := auth.Group("/users")
	users.Use(middlewares.RequireRole(services.RoleAdmin))
	{
		users.GET("", userCtrl.GetAllUsers)
		users.POST("", userCtrl.CreateUser)
	}

	// RESERVATIONS (semua staff; transisi status dicek per role di lifecycle)
	auth.GET("/reservations", reservationCtrl.GetReservations)
	auth.POST("/reservations", reservationCtrl.CreateReservation)
	auth.GET("/reservations/:reservation_id", reservationCtrl.GetReservationByID)
	auth.PUT("/reservations/:reservation_id/status", reservationCtrl.UpdateReservationStatus)
	auth.POST("/reservations/:reservation_id/assign", reservationCtrl.AssignTable)
	auth.POST("/reservations/:reservation_id/free", reservationCtrl.FreeTable)
	auth.POST("/availability", reservationCtrl.CheckAvailability)

	// TABLES
	auth.GET("/tables", tableCtrl.GetAllTables)
	auth.GET("/tables/:table_id", tableCtrl.GetTableByID)
	auth.PUT("/tables/:table_id", tableCtrl.UpdateTableStatus)
	auth.PATCH("/tables/:table_id", tableCtrl.UpdateTableStatus)
	auth.POST("/tables",
		middlewares.RequireRole(services.RoleAdmin, services.RoleManager),
		tableCtrl.CreateTable)

	// WAITLIST
	auth.GET("/waitlist", waitlistCtrl.GetWaitlist)
	auth.POST("/waitlist", waitlistCtrl.AddToWaitlist)
	auth.DELETE("/waitlist/:entry_id", waitlistCtrl.RemoveFromWaitlist)

	return r
}

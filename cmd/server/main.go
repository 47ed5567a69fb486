package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/techSaswata/StackLane/internal/db"
	"github.com/techSaswata/StackLane/internal/gateway"
	"github.com/techSaswata/StackLane/internal/github"
	authMw "github.com/techSaswata/StackLane/internal/middleware"
	"github.com/techSaswata/StackLane/internal/store"
	"github.com/techSaswata/StackLane/internal/transport"
	"github.com/techSaswata/StackLane/internal/user"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	githubToken := os.Getenv("GITHUB_TOKEN") // optional: public repos work unauthenticated

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(dsn)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	log.Println("Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Database schema initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis")

	// 4. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, jwtSecret)
	userHandler := user.NewHandler(userService)

	// 5. Initialize Room Messaging Core
	// The store publishes every confirmed write onto the same change feed
	// the room subscriptions listen on, so the writer's echo and remote
	// deliveries are one and the same path.
	changeFeed := transport.NewChangeFeed(redisClient)
	messageStore := store.NewPostgres(database.Conn, changeFeed)
	roomTransport := transport.NewRedis(redisClient)
	githubClient := github.NewClient(githubToken)

	gatewayHandler := gateway.NewHandler(roomTransport, messageStore, githubClient)

	authMiddleware := authMw.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "index.html")
	})

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (Real-time): one room session per connection
		r.Get("/ws", gatewayHandler.ServeWs)

		r.Get("/api/rooms/{owner}/{repo}/messages", gatewayHandler.GetHistory)
		r.Get("/api/rooms/{owner}/{repo}/contributors", gatewayHandler.GetContributors)
	})

	log.Printf("Server starting on %s", *addr)
	if err := http.ListenAndServe(*addr, r); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"meetup-server/handlers"
	"meetup-server/middleware"
	"meetup-server/models"
	"meetup-server/services"
	"meetup-server/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	store := buildStore()

	// storage layer
	users := storage.NewCollection(store, storage.KeyUsers, models.ValidateAccount)
	requests := storage.NewCollection(store, storage.KeyFriendRequests, models.ValidateFriendRequest)
	chats := storage.NewDocument(store, storage.KeyChats, func() map[string][]models.Chat {
		return map[string][]models.Chat{}
	})
	globalChat := storage.NewDocument[models.GlobalChat](store, storage.KeyGlobalChat, nil)
	chatIndex := storage.NewDocument(store, storage.KeyChatIndex, func() map[string]models.ChatIndexEntry {
		return map[string]models.ChatIndexEntry{}
	})
	qrRecords := storage.NewDocument(store, storage.KeyQRRecords, func() map[string]models.QRRecord {
		return map[string]models.QRRecord{}
	})
	stepDoc := storage.NewDocument(store, storage.KeyPedometerStats, services.FreshStepStats)
	backupRing := storage.NewDocument[[]services.Snapshot](store, storage.KeyBackups, nil)

	// services
	notifier := services.LogNotifier{}
	location := &services.StaticLocationProvider{Position: models.DefaultPosition}
	tasks := services.NewTaskQueue(64)
	defer tasks.Close()

	userService := services.NewUserService(store, users, requests, services.SHA256Digest{}, location, notifier, jwtSecret)
	friendService := services.NewFriendService(userService, requests, qrRecords, tasks, notifier)
	chatService := services.NewChatService(chats, globalChat, chatIndex, userService, notifier)
	pedometer := services.NewPedometerService(stepDoc, nil)
	cleanup := services.NewCleanupService(userService, friendService, store)
	backup := services.NewBackupService(users, requests, backupRing)
	backup.ArmOnSave(time.Minute)

	ctx := context.Background()
	if err := chatService.InitGlobalChat(ctx); err != nil {
		log.Printf("Failed to init global chat: %v", err)
	}
	seedBetaUsers(ctx, userService)

	// background jobs
	scheduler := cron.New()
	scheduler.AddFunc("@hourly", func() { cleanup.Run(context.Background()) })
	scheduler.AddFunc("@every 6h", func() {
		if _, err := backup.Backup(context.Background()); err != nil {
			log.Printf("Scheduled backup failed: %v", err)
		}
	})
	scheduler.AddFunc("@every 5m", func() {
		if err := pedometer.SyncFromSensor(context.Background()); err != nil {
			log.Printf("Step sync failed: %v", err)
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	// handlers
	authHandler := handlers.NewAuthHandler(userService, friendService)
	userHandler := handlers.NewUserHandler(userService)
	friendHandler := handlers.NewFriendHandler(friendService)
	chatHandler := handlers.NewChatHandler(chatService)
	stepHandler := handlers.NewStepHandler(pedometer)
	backupHandler := handlers.NewBackupHandler(backup, userService)

	r := mux.NewRouter()
	r.Use(middleware.ErrorMiddleware())

	allowedOrigins := []string{"http://localhost:3000", "http://localhost:5173"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = strings.Split(origins, ",")
	}
	r.Use(middleware.CORSMiddleware(allowedOrigins))

	// auth routes (no token required apart from password change)
	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/register", authHandler.Register).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/login", authHandler.Login).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/logout", authHandler.Logout).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/reset/telegram", authHandler.RequestTelegramReset).Methods("POST", "OPTIONS")
	authRouter.HandleFunc("/reset/telegram/confirm", authHandler.ConfirmTelegramReset).Methods("POST", "OPTIONS")

	authed := r.PathPrefix("/").Subrouter()
	authed.Use(middleware.JWTMiddleware(jwtSecret))
	authed.HandleFunc("/auth/password", authHandler.ChangePassword).Methods("PUT", "OPTIONS")

	// user routes
	userRouter := authed.PathPrefix("/user").Subrouter()
	userRouter.HandleFunc("/me", userHandler.Me).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/me", userHandler.UpdateMe).Methods("PUT", "OPTIONS")
	userRouter.HandleFunc("/me", userHandler.DeleteMe).Methods("DELETE", "OPTIONS")
	userRouter.HandleFunc("/search", userHandler.Search).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/nearby", userHandler.Nearby).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/position", userHandler.UpdatePosition).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/movements", userHandler.MovementHistory).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/stats", userHandler.SystemStats).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/verification", userHandler.VerificationStatus).Methods("GET", "OPTIONS")
	userRouter.HandleFunc("/verification/phone", userHandler.SendPhoneCode).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/verification/phone/confirm", userHandler.VerifyPhoneCode).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/verification/phone", userHandler.RemovePhone).Methods("DELETE", "OPTIONS")
	userRouter.HandleFunc("/verification/telegram", userHandler.BindTelegram).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/verification/telegram", userHandler.UnbindTelegram).Methods("DELETE", "OPTIONS")
	userRouter.HandleFunc("/verification/telegram/code", userHandler.SendTelegramCode).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/verification/telegram/confirm", userHandler.VerifyTelegramCode).Methods("POST", "OPTIONS")
	userRouter.HandleFunc("/{id}", userHandler.GetUser).Methods("GET", "OPTIONS")

	// friend routes
	friendRouter := authed.PathPrefix("/friends").Subrouter()
	friendRouter.HandleFunc("", friendHandler.ListFriends).Methods("GET", "OPTIONS")
	friendRouter.HandleFunc("/requests", friendHandler.SendRequest).Methods("POST", "OPTIONS")
	friendRouter.HandleFunc("/requests/incoming", friendHandler.IncomingRequests).Methods("GET", "OPTIONS")
	friendRouter.HandleFunc("/requests/outgoing", friendHandler.OutgoingRequests).Methods("GET", "OPTIONS")
	friendRouter.HandleFunc("/requests/{id}/accept", friendHandler.AcceptRequest).Methods("POST", "OPTIONS")
	friendRouter.HandleFunc("/requests/{id}/reject", friendHandler.RejectRequest).Methods("POST", "OPTIONS")
	friendRouter.HandleFunc("/qr/friend", friendHandler.FriendQR).Methods("GET", "OPTIONS")
	friendRouter.HandleFunc("/qr/profile", friendHandler.ProfileQR).Methods("GET", "OPTIONS")
	friendRouter.HandleFunc("/qr/scan", friendHandler.ScanCode).Methods("POST", "OPTIONS")
	friendRouter.HandleFunc("/qr/stats", friendHandler.QRStats).Methods("GET", "OPTIONS")
	friendRouter.HandleFunc("/referral", friendHandler.ReferralLinks).Methods("GET", "OPTIONS")
	friendRouter.HandleFunc("/referral/stats", friendHandler.ReferralStats).Methods("GET", "OPTIONS")
	friendRouter.HandleFunc("/referral/use", friendHandler.UseReferral).Methods("POST", "OPTIONS")
	friendRouter.HandleFunc("/{id}", friendHandler.RemoveFriend).Methods("DELETE", "OPTIONS")

	// chat routes
	chatRouter := authed.PathPrefix("/chat").Subrouter()
	chatRouter.HandleFunc("", chatHandler.CreateChat).Methods("POST", "OPTIONS")
	chatRouter.HandleFunc("", chatHandler.ListChats).Methods("GET", "OPTIONS")
	chatRouter.HandleFunc("/unread", chatHandler.UnreadCount).Methods("GET", "OPTIONS")
	chatRouter.HandleFunc("/search", chatHandler.Search).Methods("GET", "OPTIONS")
	chatRouter.HandleFunc("/stats", chatHandler.Stats).Methods("GET", "OPTIONS")
	chatRouter.HandleFunc("/global", chatHandler.GlobalChat).Methods("GET", "OPTIONS")
	chatRouter.HandleFunc("/global/messages", chatHandler.GlobalMessages).Methods("GET", "OPTIONS")
	chatRouter.HandleFunc("/global/join", chatHandler.JoinGlobal).Methods("POST", "OPTIONS")
	chatRouter.HandleFunc("/{id}/messages", chatHandler.GetMessages).Methods("GET", "OPTIONS")
	chatRouter.HandleFunc("/{id}/messages", chatHandler.SendMessage).Methods("POST", "OPTIONS")
	chatRouter.HandleFunc("/{id}/messages/{messageId}", chatHandler.EditMessage).Methods("PUT", "OPTIONS")
	chatRouter.HandleFunc("/{id}/messages/{messageId}", chatHandler.DeleteMessage).Methods("DELETE", "OPTIONS")
	chatRouter.HandleFunc("/{id}/read", chatHandler.MarkAsRead).Methods("POST", "OPTIONS")
	chatRouter.HandleFunc("/{id}", chatHandler.DeleteChat).Methods("DELETE", "OPTIONS")

	// admin routes (moderator-only, enforced in the handler)
	adminRouter := authed.PathPrefix("/admin/backups").Subrouter()
	adminRouter.HandleFunc("", backupHandler.List).Methods("GET", "OPTIONS")
	adminRouter.HandleFunc("", backupHandler.Create).Methods("POST", "OPTIONS")
	adminRouter.HandleFunc("/restore", backupHandler.Restore).Methods("POST", "OPTIONS")

	// pedometer routes
	stepRouter := authed.PathPrefix("/steps").Subrouter()
	stepRouter.HandleFunc("", stepHandler.GetStats).Methods("GET", "OPTIONS")
	stepRouter.HandleFunc("", stepHandler.AddSteps).Methods("POST", "OPTIONS")
	stepRouter.HandleFunc("/goal", stepHandler.SetGoal).Methods("POST", "OPTIONS")
	stepRouter.HandleFunc("/history", stepHandler.History).Methods("GET", "OPTIONS")
	stepRouter.HandleFunc("/reset", stepHandler.Reset).Methods("POST", "OPTIONS")
	stepRouter.HandleFunc("/simulate", stepHandler.Simulate).Methods("POST", "OPTIONS")
	stepRouter.HandleFunc("/sync", stepHandler.Sync).Methods("POST", "OPTIONS")

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("Server starting on %s", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}

// buildStore selects the KV backend from the environment. Redis is the
// default; Mongo maps the same contract onto a single collection; memory is
// for local development only.
func buildStore() storage.Store {
	switch strings.ToLower(os.Getenv("STORAGE_BACKEND")) {
	case "mongo", "mongodb":
		uri := os.Getenv("MONGODB_URI")
		if uri == "" {
			uri = "mongodb://localhost:27017"
		}
		dbName := os.Getenv("MONGODB_DATABASE")
		if dbName == "" {
			dbName = "meetup"
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		log.Printf("Using MongoDB storage at %s", uri)
		return storage.NewMongoStore(client.Database(dbName).Collection("kv"))

	case "memory":
		log.Println("Using in-memory storage, data will not survive restarts")
		return storage.NewMemoryStore()

	default:
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
		})
		log.Printf("Using Redis storage at %s", addr)
		return storage.NewRedisStore(client)
	}
}

// seedBetaUsers provisions the built-in accounts used by the beta program.
// AddBetaUser is idempotent, so reseeding on every start is harmless.
func seedBetaUsers(ctx context.Context, userService *services.UserService) {
	seeds := []services.BetaUserInput{
		{
			Email:    "alexey@meetup.app",
			Nickname: "Alexey",
			Password: "beta2024pass",
			About:    "Beta tester",
			Role:     "moderator",
		},
		{
			Email:    "maria@meetup.app",
			Nickname: "Maria",
			Password: "beta2024pass",
			About:    "Beta tester",
		},
		{
			Email:    "dmitry@meetup.app",
			Nickname: "Dmitry",
			Password: "beta2024pass",
			About:    "Beta tester",
		},
	}
	for _, seed := range seeds {
		if _, err := userService.AddBetaUser(ctx, seed); err != nil {
			log.Printf("Failed to seed beta user %s: %v", seed.Email, err)
		}
	}
}

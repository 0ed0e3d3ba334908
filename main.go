package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ChatRelay/global/config"
	"ChatRelay/logger"
	"ChatRelay/middleware"
	midsec "ChatRelay/middleware/security"
	"ChatRelay/service/chat"
	"ChatRelay/service/fabric"
	"ChatRelay/service/sequencer"
	"ChatRelay/service/storage"
	"ChatRelay/service/storage/mongo"
	"ChatRelay/service/storage/redis"
	"ChatRelay/tools/security"
)

func main() {
	conf := loadConfig()
	ctx := context.Background()

	// shared state store
	redisMgr, err := redis.NewManager(redis.Config{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
		PoolSize: conf.Redis.PoolSize,
	})
	if err != nil {
		logger.Errorf("[main] redis: %v", err)
		os.Exit(1)
	}
	defer redisMgr.Close()
	store := storage.NewRedisStore(redisMgr)

	// broadcast fabric; a single-node deployment can run without NATS
	seen := fabric.NewMemSeen()
	defer seen.Close()
	var fab fabric.Fabric
	if nf, err := fabric.Connect(conf.Nats, fabric.Dedupe(seen, 5*time.Minute)); err != nil {
		logger.Warnf("[main] nats unavailable, using in-process fabric: %v", err)
		fab = fabric.NewLocal()
	} else {
		fab = nf
	}
	defer fab.Close()

	// durable message store; the gateway runs real-time-only without it
	var durable chat.DurableStore
	var history *mongo.MessageStore
	if conf.Mongo.URI != "" {
		mgoMgr, err := mongo.NewManager(ctx, conf.Mongo)
		if err != nil {
			logger.Warnf("[main] mongo unavailable, running without durable store: %v", err)
		} else {
			defer mgoMgr.Close(ctx)
			ms := mongo.NewMessageStore(mgoMgr)
			if err := ms.EnsureIndexes(ctx); err != nil {
				logger.Warnf("[main] mongo indexes: %v", err)
			}
			durable = ms
			history = ms
		}
	}

	srv := chat.NewServer(conf, store, fab, durable)
	defer srv.Close()

	jwtOpts := security.DefaultOptions(conf.JWTSecret)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.CORS())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": conf.NodeID})
	})

	auth := r.Group("/", midsec.Middleware(jwtOpts))
	if history != nil {
		auth.GET("/ws/:room_id", requireMembership(history), srv.HandleWS)
	} else {
		auth.GET("/ws/:room_id", srv.HandleWS)
	}

	status := auth.Group("/status")
	status.GET("/breakers", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Breakers().Status())
	})
	status.GET("/degraded", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Policy().Status())
	})
	status.GET("/pool", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Admission().PoolStatus(c.Request.Context()))
	})
	status.GET("/rooms/:room_id/presence", func(c *gin.Context) {
		users, degraded := srv.Registry().RoomPresence(c.Request.Context(), c.Param("room_id"))
		c.JSON(http.StatusOK, gin.H{"users": users, "degraded": degraded})
	})
	status.GET("/users/:user_id/limits", func(c *gin.Context) {
		c.JSON(http.StatusOK, srv.Admission().Usage(c.Request.Context(), c.Param("user_id")))
	})

	if history != nil {
		auth.POST("/rooms/:room_id/join", func(c *gin.Context) {
			roomID := c.Param("room_id")
			userID := midsec.UserID(c)
			if err := history.AddMember(c.Request.Context(), roomID, userID); err != nil {
				logger.Errorf("[main] join room=%s user=%s: %v", roomID, userID, err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"room_id": roomID, "user_id": userID})
		})
		auth.GET("/rooms/:room_id/members", func(c *gin.Context) {
			members, err := history.RoomMembers(c.Request.Context(), c.Param("room_id"))
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"members": members})
		})
		auth.GET("/rooms/:room_id/messages", func(c *gin.Context) {
			roomID := c.Param("room_id")
			limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
			msgs, err := history.RoomHistory(c.Request.Context(), roomID, limit)
			if err != nil {
				logger.Errorf("[main] history room=%s: %v", roomID, err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
				return
			}
			sequencer.Order(msgs)
			srv.Sequencer().DetectGaps(c.Request.Context(), msgs)
			c.JSON(http.StatusOK, gin.H{"messages": msgs})
		})
	}

	httpSrv := &http.Server{Addr: ":" + strconv.Itoa(conf.Port), Handler: r}
	go func() {
		logger.Infof("[main] %s listening on %s", conf.NodeID, httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[main] serve: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// requireMembership gates the websocket route on room membership. Membership
// failures fail open: presence of the durable store should never take the
// real-time path down.
func requireMembership(store *mongo.MessageStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("room_id")
		userID := midsec.UserID(c)
		ok, err := store.IsMember(c.Request.Context(), roomID, userID)
		if err != nil {
			logger.Warnf("[main] membership check room=%s user=%s: %v", roomID, userID, err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a room member"})
			return
		}
		c.Next()
	}
}

func loadConfig() *config.Config {
	conf := config.Default()
	if v := os.Getenv("GATEWAY_ID"); v != "" {
		conf.NodeID = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			conf.Port = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		conf.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		conf.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		conf.Nats.Servers = []string{v}
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		conf.Mongo.URI = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		conf.JWTSecret = []byte(v)
	}
	return conf
}

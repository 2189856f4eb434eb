package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"github.com/ricoschulte/opentalk-controller/internal/config"
	kvadapter "github.com/ricoschulte/opentalk-controller/internal/kv/adapter"
	"github.com/ricoschulte/opentalk-controller/internal/module"
	"github.com/ricoschulte/opentalk-controller/internal/modules/chat"
	"github.com/ricoschulte/opentalk-controller/internal/modules/control"
	"github.com/ricoschulte/opentalk-controller/internal/modules/moderation"
	"github.com/ricoschulte/opentalk-controller/internal/modules/poll"
	"github.com/ricoschulte/opentalk-controller/internal/modules/protocol"
	"github.com/ricoschulte/opentalk-controller/internal/modules/recording"
	"github.com/ricoschulte/opentalk-controller/internal/modules/timer"
	"github.com/ricoschulte/opentalk-controller/internal/modules/whiteboard"
	"github.com/ricoschulte/opentalk-controller/internal/external/broker"
	brokeradapter "github.com/ricoschulte/opentalk-controller/internal/external/broker/adapter"
	"github.com/ricoschulte/opentalk-controller/internal/external/etherpad"
	"github.com/ricoschulte/opentalk-controller/internal/external/objectstore"
	whiteboardclient "github.com/ricoschulte/opentalk-controller/internal/external/whiteboard"
	pubsubadapter "github.com/ricoschulte/opentalk-controller/internal/pubsub/adapter"
	"github.com/ricoschulte/opentalk-controller/internal/room"
	"github.com/ricoschulte/opentalk-controller/internal/roomconfig"
	"github.com/ricoschulte/opentalk-controller/internal/runner"
	"github.com/ricoschulte/opentalk-controller/internal/transport"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now; plug a proper checker when auth is added.
		return true
	},
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pgPool, err := roomconfig.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pgPool.Close()
	roomResolver := roomconfig.NewResolver(pgPool)

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to parse REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}

	kvStore := kvadapter.New(redisClient)
	bus := pubsubadapter.New(redisClient)

	coord := room.NewCoordinator(kvStore, cfg.RoomLockLease)
	rooms := room.NewRegistry(bus, coord)

	brokerClient, err := brokeradapter.NewAsynqClient(cfg.BrokerRedisURL)
	if err != nil {
		log.Fatalf("failed to build broker client: %v", err)
	}
	defer brokerClient.Close()
	recorder := broker.NewRecorderDispatcher(brokerClient)

	etherpadClient := etherpad.New(cfg.EtherpadBaseURL, cfg.EtherpadAPIKey)
	whiteboardClient := whiteboardclient.New(cfg.WhiteboardBaseURL, cfg.WhiteboardAPIKey)
	objectStoreClient := objectstore.New(cfg.ObjectStoreBaseURL, cfg.ObjectStoreSigningKey)

	modules := module.NewRegistry(filterEnabled(cfg, []module.Module{
		control.New(roomResolver),
		moderation.New(),
		chat.New(kvStore, cfg.ChatMaxMessageSize),
		poll.New(kvStore, poll.ChoiceLimits(cfg.PollChoiceLimits), poll.DurationLimits(cfg.PollDurationLimits), nil),
		timer.New(kvStore, timer.DurationLimits(cfg.TimerDurationLimits), nil),
		protocol.New(kvStore, etherpadClient, objectStoreClient),
		whiteboard.New(kvStore, whiteboardClient),
		recording.New(kvStore, recorder),
	})...)

	roles := runner.DefaultRoleResolver{}

	r := gin.Default()
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	v1 := r.Group("/api/v1")
	v1.GET("/rooms/:room_id/signaling", func(c *gin.Context) {
		roomID := c.Param("room_id")
		ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		conn := transport.NewConnection(uuid.NewString(), ws)
		conn.Start()
		rn := runner.New(conn, modules, rooms, coord, cfg, roomResolver, roles)
		if err := rn.Run(context.Background(), roomID); err != nil {
			log.Printf("runner: session for room %s ended: %v", roomID, err)
		}
	})

	if err := r.Run(cfg.HTTPListenAddr); err != nil {
		log.Fatalf("http server stopped: %v", err)
	}
}

// filterEnabled drops any module whose namespace is absent from
// cfg.ModulesEnabled (§6 "modules.enabled"), preserving the given order.
func filterEnabled(cfg *config.Config, modules []module.Module) []module.Module {
	if len(cfg.ModulesEnabled) == 0 {
		return modules
	}
	out := make([]module.Module, 0, len(modules))
	for _, m := range modules {
		if cfg.ModulesEnabled[m.Namespace()] {
			out = append(out, m)
		}
	}
	return out
}

package main

import (
	"context"
	"fmt"

	"github.com/deemkeen/trunk/activitypub"
	"github.com/deemkeen/trunk/bus"
	"github.com/deemkeen/trunk/cache"
	"github.com/deemkeen/trunk/db"
	"github.com/deemkeen/trunk/delivery"
	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/note"
	"github.com/deemkeen/trunk/queue"
	"github.com/deemkeen/trunk/relay"
	"github.com/deemkeen/trunk/social"
	"github.com/deemkeen/trunk/util"
	"github.com/deemkeen/trunk/webhook"
	"github.com/redis/go-redis/v9"
)

// app wires every service of one process around a database and a bus.
type app struct {
	conf     *util.AppConfig
	db       *db.DB
	bus      bus.Bus
	redis    *redis.Client
	renderer *activitypub.Renderer

	queue      *queue.Service
	reporter   *queue.Reporter
	accepted   *cache.Replicated[domain.Relay]
	dispatcher *delivery.Dispatcher

	relays   *relay.Service
	caches   *social.Caches
	blocking *social.BlockingService
	muting   *social.MutingService
	accounts *social.AccountService
	inbox    *activitypub.Inbox

	systemHooks *webhook.SystemService
	userHooks   *webhook.UserService
	tester      *webhook.Tester
	notes       *note.DeleteService
	scheduler   *note.Scheduler
}

func newApp(ctx context.Context, conf *util.AppConfig) (*app, error) {
	database, err := db.Open(util.ResolveFilePath(conf.Conf.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{conf: conf, db: database, renderer: activitypub.NewRenderer(conf.Conf.SslDomain)}

	if conf.Conf.RedisUrl != "" {
		opts, err := redis.ParseURL(conf.Conf.RedisUrl)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("redisUrl: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			database.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.bus = bus.NewRedis(a.redis, util.Name+":")
	} else {
		a.bus = bus.NewMemory()
	}

	a.queue = queue.New(database)
	a.reporter = queue.NewReporter(a.queue, a.bus)
	a.accepted = relay.NewAcceptedCache(a.bus, database)
	a.dispatcher = delivery.NewDispatcher(a.queue, database, a.accepted)
	delivery.RegisterQueues(a.queue, conf,
		delivery.NewProcessor(database, activitypub.NewSender(nil), conf.Conf.SslDomain),
		delivery.NewWebhookProcessor(database, nil, conf.Conf.SslDomain))

	a.relays = relay.NewService(database, a.dispatcher, a.renderer, a.bus)
	a.caches = social.NewCaches(database, a.bus)
	a.blocking = social.NewBlockingService(database, a.caches, a.dispatcher, a.renderer, a.bus)
	a.muting = social.NewMutingService(database, a.caches, a.bus)
	a.accounts = social.NewAccountService(database, a.caches, a.bus)
	a.inbox = activitypub.NewInbox(database, activitypub.NewResolver(database), a.renderer, a.dispatcher, a.relays, a.blocking)

	a.systemHooks = webhook.NewSystemService(database, a.dispatcher, a.bus)
	a.userHooks = webhook.NewUserService(database, a.dispatcher, a.bus)
	a.tester = webhook.NewTester(a.systemHooks, a.userHooks, a.dispatcher)
	a.notes = note.NewDeleteService(database, a.dispatcher, a.renderer, a.bus)
	a.scheduler = note.NewScheduler(a.queue, a.notes)
	note.RegisterQueue(a.queue, conf, a.scheduler)
	return a, nil
}

func (a *app) Close() {
	a.systemHooks.Close()
	a.userHooks.Close()
	a.caches.Close()
	a.accepted.Close()
	if err := a.bus.Close(); err != nil {
		log := util.Logger("main")
		log.Warn().Err(err).Msg("bus.close.failed")
	}
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noxist/ticketd/internal/api"
	"github.com/noxist/ticketd/internal/api/handlers"
	"github.com/noxist/ticketd/internal/api/middleware"
	"github.com/noxist/ticketd/internal/config"
	"github.com/noxist/ticketd/internal/core"
	"github.com/noxist/ticketd/internal/db"
	"github.com/noxist/ticketd/internal/transport"
	"github.com/noxist/ticketd/internal/webhook"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[main] invalid config: %v", err)
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("[main] failed to open database: %v", err)
	}
	defer store.Close()

	endpoints := make([]webhook.Endpoint, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		endpoints = append(endpoints, webhook.Endpoint{
			Name:   w.Name,
			URL:    w.URL,
			Secret: w.Secret,
			Events: w.Events,
		})
	}
	webhooks := webhook.NewSender(endpoints, webhook.SenderConfig{})
	webhooks.Start()
	defer webhooks.Stop()

	mqttRelay := transport.NewMqttRelay(transport.MqttRelayConfig{
		Username:       cfg.Mqtt.Username,
		Password:       cfg.Mqtt.Password,
		UseTLS:         cfg.Mqtt.UseTLS,
		QoS:            byte(cfg.Mqtt.QoS),
		ConnectTimeout: cfg.Mqtt.ConnectTimeout,
		PublishTimeout: cfg.Mqtt.PublishTimeout,
		MaxChunkBytes:  cfg.Mqtt.MaxChunkBytes,
	})
	defer mqttRelay.Close()

	transports := map[core.TransportKind]core.Transport{
		core.TransportLocal: transport.NewLocalSocket(transport.LocalSocketConfig{
			DialTimeout: cfg.Local.DialTimeout,
			IOTimeout:   cfg.Local.IOTimeout,
		}),
		core.TransportMqttRelay: mqttRelay,
	}

	observer := &lifecycleObserver{store: store, webhooks: webhooks}

	dispatcher := core.NewDispatcher(cfg.Targets(), transports, observer, core.DispatcherConfig{
		RetryLimit:      cfg.Queue.RetryLimit,
		RetryDelay:      cfg.Queue.RetryDelay,
		DeliveryTimeout: cfg.Queue.DeliveryTimeout,
		QueueDepth:      cfg.Queue.QueueDepth,
		CompletedTTL:    cfg.Queue.CompletedTTL,
	})
	observer.dispatcher = dispatcher

	dispatcher.Start()
	defer dispatcher.Stop()

	requeueUnfinished(store, dispatcher)

	pruneStop := make(chan struct{})
	defer close(pruneStop)
	if cfg.Database.RetentionDays > 0 {
		retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		go store.PruneLoop(cfg.Database.PruneInterval, retention, pruneStop)
	}

	auth, err := middleware.NewAuth(cfg.Auth.AdminPasswordHash, cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatalf("[main] failed to init auth: %v", err)
	}

	router := api.NewRouter(auth,
		handlers.NewJobHandler(dispatcher, store, cfg.Bulk.Delimiter),
		handlers.NewPrinterHandler(dispatcher),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("[main] listening on %s (%d printers configured)", server.Addr, len(cfg.Printers))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("[main] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[main] forced shutdown: %v", err)
	}
}

// requeueUnfinished puts jobs that never reached a terminal state back on
// their printer queues, payloads intact, never re-encoding.
func requeueUnfinished(store *db.Store, dispatcher *core.Dispatcher) {
	jobs, err := store.UnfinishedJobs()
	if err != nil {
		log.Printf("[main] failed to load unfinished jobs: %v", err)
		return
	}

	requeued := 0
	for _, stored := range jobs {
		job := &core.PrintJob{
			ID:            stored.ID,
			Payload:       stored.Payload,
			TargetPrinter: stored.Printer,
			CutAfter:      stored.CutAfter,
			Copies:        stored.Copies,
			CreatedAt:     stored.CreatedAt,
		}
		if err := dispatcher.Enqueue(job); err != nil {
			log.Printf("[main] could not requeue job %s: %v", stored.ID, err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		log.Printf("[main] requeued %d unfinished jobs", requeued)
	}
}

// lifecycleObserver bridges dispatcher events to history and webhooks.
type lifecycleObserver struct {
	store      *db.Store
	webhooks   *webhook.Sender
	dispatcher *core.Dispatcher
}

func (o *lifecycleObserver) JobQueued(job *core.PrintJob) {
	if err := o.store.RecordQueued(job); err != nil {
		log.Printf("[observer] record queued %s: %v", job.ID, err)
	}
	o.webhooks.Send(webhook.EventJobQueued, webhook.JobEventData{
		JobID:   job.ID,
		Printer: job.TargetPrinter,
		Status:  string(core.JobStatusQueued),
		Copies:  job.Copies,
	})
}

func (o *lifecycleObserver) JobStarted(job *core.PrintJob) {
	if err := o.store.RecordStarted(job.ID); err != nil {
		log.Printf("[observer] record started %s: %v", job.ID, err)
	}
}

func (o *lifecycleObserver) JobFinished(job *core.PrintJob, result core.DeliveryResult) {
	retries := 0
	if snap, err := o.dispatcher.GetJob(job.ID); err == nil {
		retries = snap.Retries
	}

	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}

	var status core.JobStatus
	var event webhook.Event
	switch result.Status {
	case core.StatusDelivered:
		status = core.JobStatusDelivered
		event = webhook.EventJobDelivered
	case core.StatusTimedOut:
		status = core.JobStatusTimedOut
		event = webhook.EventJobTimedOut
	default:
		status = core.JobStatusFailed
		event = webhook.EventJobFailed
	}

	if err := o.store.RecordFinished(job.ID, status, errMsg, retries); err != nil {
		log.Printf("[observer] record finished %s: %v", job.ID, err)
	}
	o.webhooks.Send(event, webhook.JobEventData{
		JobID:        job.ID,
		Printer:      job.TargetPrinter,
		Status:       string(status),
		ErrorMessage: errMsg,
		Copies:       job.Copies,
		Retries:      retries,
	})
}

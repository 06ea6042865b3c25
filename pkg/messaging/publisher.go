package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"callbridge-server/pkg/metrics"
)

// ReportTask asks the report worker fleet to build the post-call report
// for one call. Tasks are deduplicated downstream by call sid.
type ReportTask struct {
	TaskID      string    `json:"task_id"`
	CallSID     string    `json:"call_sid"`
	Transcript  string    `json:"transcript"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Config holds report publisher configuration.
type Config struct {
	URL        string
	QueueName  string
	Exchange   string
	RoutingKey string
}

// ReportPublisher publishes report tasks to AMQP when a media stream
// ends. It reconnects on its own; callers treat publish failures as
// non-fatal because the webhook path repairs missed reports later.
type ReportPublisher struct {
	logger    *logrus.Logger
	config    Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewReportPublisher creates a publisher. Call Connect before use.
func NewReportPublisher(logger *logrus.Logger, config Config) *ReportPublisher {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	return &ReportPublisher{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes the AMQP connection, declares the task queue and
// starts the close monitor.
func (p *ReportPublisher) Connect() error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.connected {
		return nil
	}
	if p.config.URL == "" || p.config.QueueName == "" {
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)
	go func() {
		conn, err := amqp.Dial(p.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	var err error
	select {
	case result := <-connChan:
		conn = result.conn
		err = result.err
	case <-ctx.Done():
		if metrics.AMQPConnectionErrors != nil {
			metrics.AMQPConnectionErrors.Inc()
		}
		return fmt.Errorf("connection to AMQP server timed out after 5 seconds")
	}
	if err != nil {
		if metrics.AMQPConnectionErrors != nil {
			metrics.AMQPConnectionErrors.Inc()
		}
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		p.config.QueueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare report queue: %w", err)
	}

	if p.config.Exchange != "" {
		if err := channel.ExchangeDeclare(
			p.config.Exchange, "topic", true, false, false, false, nil,
		); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("failed to declare report exchange: %w", err)
		}
		if err := channel.QueueBind(
			p.config.QueueName, p.config.RoutingKey, p.config.Exchange, false, nil,
		); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("failed to bind report queue: %w", err)
		}
	}

	p.conn = conn
	p.channel = channel
	p.connected = true
	p.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	p.logger.WithFields(logrus.Fields{
		"queue":       p.config.QueueName,
		"exchange":    p.config.Exchange,
		"routing_key": p.config.RoutingKey,
	}).Info("Connected to AMQP server")

	go p.monitorConnection()
	return nil
}

// Disconnect closes the AMQP connection and stops the monitor.
func (p *ReportPublisher) Disconnect() {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if !p.connected {
		return
	}

	close(p.stopChan)
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
	metrics.SetAMQPConnectionStatus(false)
	p.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status.
func (p *ReportPublisher) IsConnected() bool {
	p.connMutex.RLock()
	defer p.connMutex.RUnlock()
	return p.connected
}

// ScheduleReport enqueues a report task carrying the call transcript.
// Failures are logged and dropped.
func (p *ReportPublisher) ScheduleReport(callSID, transcript string) {
	task := ReportTask{
		TaskID:      uuid.NewString(),
		CallSID:     callSID,
		Transcript:  transcript,
		ScheduledAt: time.Now().UTC(),
	}

	if err := p.Publish(task); err != nil {
		p.logger.WithError(err).WithField("call_sid", callSID).
			Warn("Failed to schedule post-call report")
		return
	}

	p.logger.WithFields(logrus.Fields{
		"call_sid": callSID,
		"task_id":  task.TaskID,
	}).Info("Post-call report scheduled")
}

// Publish sends one report task with a bounded publish timeout.
func (p *ReportPublisher) Publish(task ReportTask) error {
	if !p.IsConnected() {
		metrics.RecordAMQPPublish(p.config.RoutingKey, "disconnected")
		return fmt.Errorf("not connected to AMQP server")
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal report task: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	publishChan := make(chan error, 1)
	go func() {
		p.connMutex.RLock()
		defer p.connMutex.RUnlock()

		if !p.connected || p.channel == nil {
			select {
			case <-ctx.Done():
			case publishChan <- fmt.Errorf("lost AMQP connection before publishing"):
			}
			return
		}

		err := p.channel.Publish(
			p.config.Exchange,
			p.config.RoutingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				Expiration:   "43200000", // 12 hours
			},
		)
		select {
		case <-ctx.Done():
		case publishChan <- err:
		}
	}()

	select {
	case err := <-publishChan:
		if err != nil {
			metrics.RecordAMQPPublish(p.config.RoutingKey, "error")
			return fmt.Errorf("failed to publish report task: %w", err)
		}
	case <-ctx.Done():
		metrics.RecordAMQPPublish(p.config.RoutingKey, "timeout")
		return fmt.Errorf("publishing report task timed out")
	}

	metrics.RecordAMQPPublish(p.config.RoutingKey, "ok")
	return nil
}

func (p *ReportPublisher) monitorConnection() {
	closeChan := make(chan *amqp.Error)

	p.connMutex.RLock()
	if p.conn != nil {
		p.conn.NotifyClose(closeChan)
	}
	stop := p.stopChan
	p.connMutex.RUnlock()

	for {
		select {
		case <-stop:
			return
		case closeErr := <-closeChan:
			p.connMutex.Lock()
			p.connected = false
			p.connMutex.Unlock()
			metrics.SetAMQPConnectionStatus(false)

			p.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")

			for attempt := 1; attempt <= 10; attempt++ {
				if metrics.AMQPReconnectAttempts != nil {
					metrics.AMQPReconnectAttempts.Inc()
				}

				err := p.Connect()
				if err == nil {
					p.logger.Info("Reconnected to AMQP server")
					return
				}
				p.logger.WithError(err).WithField("attempt", attempt).
					Error("Failed to reconnect to AMQP server")

				backoff := time.Duration(1<<uint(attempt-1)) * time.Second
				if backoff > 30*time.Second {
					backoff = 30 * time.Second
				}
				time.Sleep(backoff)
			}
			return
		}
	}
}

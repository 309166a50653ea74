package widget

import (
	"context"
	"encoding/json"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wipboard/internal/protocol"
)

// Plugin namespace and keys the widget listens on.
const (
	PluginName = "pytest"
	ResultKey  = "wip_tests"
	StatusKey  = "wip_tests_status"
)

// ErrControllerStopped is returned by calls made after Run has returned.
var ErrControllerStopped = errors.New("widget: controller stopped")

// Channel is one of the event streams the widget consumes.
type Channel int

const (
	ChannelResult Channel = iota
	ChannelStatus
)

func (c Channel) String() string {
	switch c {
	case ChannelResult:
		return "result"
	case ChannelStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Topic returns the subscription scope of the channel for a project.
func (c Channel) Topic(project string) protocol.Topic {
	switch c {
	case ChannelStatus:
		return protocol.Topic{Project: project, Plugin: PluginName, Type: protocol.KindCustom, Key: StatusKey}
	default:
		return protocol.Topic{Project: project, Plugin: PluginName, Key: ResultKey}
	}
}

// Subscriber is the host's publish/subscribe transport.
type Subscriber interface {
	Subscribe(ctx context.Context, topic protocol.Topic, handler func(protocol.Event)) error
}

// Registry is told once that the widget is ready to be displayed.
type Registry interface {
	RegisterWidget(ctx context.Context, w protocol.RegisterWidgetPayload) error
}

// Assets fetches the widget's static resources and initial snapshot.
type Assets interface {
	Template(ctx context.Context) (string, error)
	Style(ctx context.Context) (string, error)
	Snapshot(ctx context.Context, project string) ([]Record, error)
}

// Display receives what the widget shows.
type Display interface {
	RenderWidget(ctx context.Context, widgetID, html string) error
	PatchWidget(ctx context.Context, widgetID, selector, html string) error
	StyleWidget(ctx context.Context, widgetID, css string) error
}

// Options configures a Controller. ProjectID, Transport, Registry, Assets and
// Display are required.
type Options struct {
	WidgetID  string
	Title     string
	ProjectID string
	Transport Subscriber
	Registry  Registry
	Assets    Assets
	Display   Display
	Logger    zerolog.Logger
	QueueSize int
}

// Controller keeps a ResultModel in sync with the host and renders it.
// All model and document access happens on the goroutine running Run.
type Controller struct {
	opts  Options
	log   zerolog.Logger
	tasks chan func(context.Context)
	stop  chan struct{}

	model      *ResultModel
	renderer   *Renderer
	doc        *goquery.Document
	rendered   bool
	registered bool
}

// NewController validates opts and builds a controller.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.ProjectID == "":
		return nil, errors.New("widget: project ID is required")
	case opts.Transport == nil:
		return nil, errors.New("widget: transport is required")
	case opts.Registry == nil:
		return nil, errors.New("widget: registry is required")
	case opts.Assets == nil:
		return nil, errors.New("widget: assets are required")
	case opts.Display == nil:
		return nil, errors.New("widget: display is required")
	}
	if opts.WidgetID == "" {
		opts.WidgetID = PluginName + "-" + opts.ProjectID
	}
	if opts.Title == "" {
		opts.Title = "WIP tests"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	c := &Controller{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "widget").Str("widget", opts.WidgetID).Logger(),
		tasks: make(chan func(context.Context), opts.QueueSize),
		stop:  make(chan struct{}),
		model: NewResultModel(),
	}
	return c, nil
}

// Run subscribes to both channels, starts loading assets and processes
// events until ctx is cancelled. It must be called once.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stop)
	c.model.OnChange(func(DisplayState) { c.render(ctx) })

	if err := c.opts.Transport.Subscribe(ctx, ChannelResult.Topic(c.opts.ProjectID), c.handler(ChannelResult)); err != nil {
		c.log.Warn().Err(err).Stringer("channel", ChannelResult).Msg("subscribe failed")
	}
	if err := c.opts.Transport.Subscribe(ctx, ChannelStatus.Topic(c.opts.ProjectID), c.handler(ChannelStatus)); err != nil {
		c.log.Warn().Err(err).Stringer("channel", ChannelStatus).Msg("subscribe failed")
	}

	go c.loadStyle(ctx)
	go c.loadTemplate(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-c.tasks:
			task(ctx)
		}
	}
}

// State returns the model's display state, read on the run loop.
func (c *Controller) State(ctx context.Context) (DisplayState, error) {
	out := make(chan DisplayState, 1)
	if err := c.post(ctx, func(context.Context) { out <- c.model.DisplayState() }); err != nil {
		return DisplayState{}, err
	}
	select {
	case s := <-out:
		return s, nil
	case <-ctx.Done():
		return DisplayState{}, ctx.Err()
	case <-c.stop:
		return DisplayState{}, ErrControllerStopped
	}
}

// post queues task for the run loop.
func (c *Controller) post(ctx context.Context, task func(context.Context)) error {
	select {
	case <-c.stop:
		return ErrControllerStopped
	default:
	}
	select {
	case c.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrControllerStopped
	}
}

// handler binds a channel kind to its typed handler. Transport goroutines
// only enqueue; the work runs on the loop.
func (c *Controller) handler(ch Channel) func(protocol.Event) {
	return func(e protocol.Event) {
		switch ch {
		case ChannelResult:
			_ = c.post(context.Background(), func(context.Context) { c.handleResult(e) })
		case ChannelStatus:
			_ = c.post(context.Background(), func(ctx context.Context) { c.handleStatus(ctx, e) })
		}
	}
}

func (c *Controller) handleResult(e protocol.Event) {
	var msg ResultMessage
	if len(e.Value) > 0 {
		if err := json.Unmarshal(e.Value, &msg.Value); err != nil {
			c.log.Debug().Err(err).Msg("partial result payload")
		}
	}
	c.log.Debug().
		Str("filename", msg.Value.Filename).
		Str("status", string(ParseStatus(msg.Value.Status))).
		Msg("result message")
	c.model.ApplyResultMessage(msg)
}

func (c *Controller) handleStatus(ctx context.Context, e protocol.Event) {
	var payload struct {
		Status string `json:"status"`
	}
	if len(e.Value) > 0 {
		if err := json.Unmarshal(e.Value, &payload); err != nil {
			c.log.Debug().Err(err).Msg("partial status payload")
		}
	}

	if !ApplyLiveUpdate(c.doc, LiveStatusUpdate(payload.Status)) {
		c.log.Debug().Str("status", payload.Status).Msg("no status indicator, skipping")
		return
	}
	html, err := IndicatorHTML(c.doc)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to serialize status indicator")
		return
	}
	if err := c.opts.Display.PatchWidget(ctx, c.opts.WidgetID, IndicatorSelector, html); err != nil {
		c.log.Warn().Err(err).Msg("failed to patch status indicator")
	}
}

func (c *Controller) loadStyle(ctx context.Context) {
	css, err := c.opts.Assets.Style(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to load style")
		return
	}
	_ = c.post(ctx, func(ctx context.Context) {
		if err := c.opts.Display.StyleWidget(ctx, c.opts.WidgetID, css); err != nil {
			c.log.Warn().Err(err).Msg("failed to apply style")
		}
	})
}

func (c *Controller) loadTemplate(ctx context.Context) {
	text, err := c.opts.Assets.Template(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to load template")
		return
	}
	renderer, err := ParseTemplate(c.opts.WidgetID, text)
	if err != nil {
		c.log.Warn().Err(err).Msg("invalid template")
		return
	}
	_ = c.post(ctx, func(ctx context.Context) {
		c.renderer = renderer
		go c.loadSnapshot(ctx)
	})
}

func (c *Controller) loadSnapshot(ctx context.Context) {
	records, err := c.opts.Assets.Snapshot(ctx, c.opts.ProjectID)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to fetch initial state")
		return
	}
	_ = c.post(ctx, func(ctx context.Context) { c.prime(ctx, records) })
}

// prime seeds the model, renders once and registers the widget.
func (c *Controller) prime(ctx context.Context, records []Record) {
	if !c.model.LoadInitialState(records) {
		c.render(ctx)
	}
	if !c.rendered || c.registered {
		return
	}

	err := c.opts.Registry.RegisterWidget(ctx, protocol.RegisterWidgetPayload{
		WidgetID: c.opts.WidgetID,
		Project:  c.opts.ProjectID,
		Plugin:   PluginName,
		Title:    c.opts.Title,
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to register widget")
		return
	}
	c.registered = true
	c.log.Info().Int("records", len(records)).Msg("widget registered")
}

// render regenerates the widget body. It does nothing until the template
// has been loaded.
func (c *Controller) render(ctx context.Context) {
	if c.renderer == nil {
		return
	}
	html, err := c.renderer.Render(c.model.DisplayState())
	if err != nil {
		c.log.Warn().Err(err).Msg("render failed")
		return
	}
	doc, err := parseDocument(html)
	if err != nil {
		c.log.Warn().Err(err).Msg("render failed")
		return
	}
	c.doc = doc
	c.rendered = true

	if err := c.opts.Display.RenderWidget(ctx, c.opts.WidgetID, html); err != nil {
		c.log.Warn().Err(err).Msg("failed to display widget")
	}
}

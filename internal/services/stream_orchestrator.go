package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tidelock/conversant-backend/internal/bus"
	"github.com/tidelock/conversant-backend/internal/domain/conversation"
	"github.com/tidelock/conversant-backend/internal/eventstore"
	"github.com/tidelock/conversant-backend/internal/executor"
	"github.com/tidelock/conversant-backend/internal/logger"
	"github.com/tidelock/conversant-backend/internal/projector"
	"github.com/tidelock/conversant-backend/internal/provider"
	"github.com/tidelock/conversant-backend/internal/sse"
	"github.com/tidelock/conversant-backend/internal/tools"
)

const (
	DefaultMaxToolRounds   = 10
	DefaultMaxRetries      = 3
	DefaultBackoffBase     = 500 * time.Millisecond
	DefaultApprovalTimeout = 60 * time.Second
)

// rejectedOutput is the fixed payload recorded for tool calls that were
// denied, timed out, or never approved. Such calls are never executed.
var rejectedOutput = map[string]any{"error": "rejected by user"}

// Notifier pushes live updates to connected SSE clients. *sse.SSEHub
// satisfies it directly; multi-instance deployments wrap it with the redis
// forwarder.
type Notifier interface {
	Broadcast(msg sse.SSEMessage)
}

// StreamConfig carries the per-stream knobs the orchestrator runs under.
type StreamConfig struct {
	ModelID         string
	SystemPrompt    string
	AllowedTools    []string
	AutoConfirm     bool
	MaxTokens       int
	BackoffBase     time.Duration
	ApprovalTimeout time.Duration
	MaxToolRounds   int
	MaxRetries      int
}

func (c *StreamConfig) applyDefaults() {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = DefaultApprovalTimeout
	}
}

// ToolExecutor runs one approved tool call. *tools.Registry satisfies it;
// tests inject fakes.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (map[string]any, error)
	Definitions() []provider.ToolDef
}

var _ ToolExecutor = (*tools.Registry)(nil)

// StreamOrchestrator drives one assistant turn end to end: the provider
// call with retry, chunk persistence, the bounded tool loop with approval
// gating, and the final completion or failure event. One instance serves
// all streams; per-stream state lives on the Run stack.
type StreamOrchestrator struct {
	exec      executor.Executor
	stream    provider.StreamFunc
	tools     ToolExecutor
	projector projector.Projector
	approvals bus.ApprovalBus
	notifier  Notifier
	log       *logger.Logger
}

func NewStreamOrchestrator(
	exec executor.Executor,
	stream provider.StreamFunc,
	toolExec ToolExecutor,
	proj projector.Projector,
	approvals bus.ApprovalBus,
	notifier Notifier,
	baseLog *logger.Logger,
) *StreamOrchestrator {
	return &StreamOrchestrator{
		exec:      exec,
		stream:    stream,
		tools:     toolExec,
		projector: proj,
		approvals: approvals,
		notifier:  notifier,
		log:       baseLog.With("service", "StreamOrchestrator"),
	}
}

// Run executes rounds until the model stops asking for tools, a failure is
// persisted, or the round ceiling is hit. History must already contain the
// user turn that triggered the stream.
func (o *StreamOrchestrator) Run(ctx context.Context, streamID uuid.UUID, history []provider.Message, cfg StreamConfig) error {
	cfg.applyDefaults()
	log := o.log.With("streamID", streamID)

	for round := 0; ; round++ {
		if round >= cfg.MaxToolRounds {
			return conversation.NewError(conversation.CodeMaxToolRounds, "StreamOrchestrator.Run",
				fmt.Sprintf("tool round limit %d reached", cfg.MaxToolRounds), nil)
		}

		result, messageID, err := o.callProvider(ctx, streamID, history, cfg, log)
		if err != nil || result == nil {
			return err
		}

		if len(result.ToolCalls) == 0 {
			return o.completeStream(ctx, streamID, messageID, result, "end_turn", log)
		}

		assistantTurn, toolResultTurn, err := o.runToolCalls(ctx, streamID, result, cfg, log)
		if err != nil {
			return err
		}
		if err := o.completeStream(ctx, streamID, messageID, result, "tool_use", log); err != nil {
			return err
		}
		history = append(history, assistantTurn, toolResultTurn)
	}
}

// callProvider opens the assistant stream and performs the provider call,
// retrying transient failures with backoff. A nil result with nil error
// means the stream was failed and the failure persisted.
func (o *StreamOrchestrator) callProvider(
	ctx context.Context,
	streamID uuid.UUID,
	history []provider.Message,
	cfg StreamConfig,
	log *logger.Logger,
) (*provider.Result, uuid.UUID, error) {
	messageID := uuid.New()
	if _, _, err := o.execCmd(ctx, streamID, conversation.StartAssistantStream{
		MessageID: messageID,
		Model:     cfg.ModelID,
	}, true, log); err != nil {
		// Aggregate rejections (archived, already streaming, conflict)
		// surface unchanged; the provider is never contacted.
		return nil, uuid.Nil, err
	}

	opts := provider.Options{
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
	}
	if o.tools != nil {
		opts.Tools = o.tools.Definitions()
	}

	onText := func(text string, blockIndex int) {
		_, stored, err := o.exec.Execute(ctx, streamID, conversation.ReceiveChunk{
			Content:    text,
			BlockIndex: blockIndex,
		})
		if err != nil {
			log.Warn("Failed to persist chunk", "error", err)
			return
		}
		// Chunks project without waiting so storage latency never throttles
		// token delivery. Lifecycle events elsewhere are synchronous.
		for _, se := range stored {
			se := se
			go func() {
				if perr := o.projector.Apply(context.Background(), se); perr != nil {
					log.Warn("Chunk projection failed", "error", perr)
				}
			}()
		}
		o.notify(streamID, sse.SSEEventAssistantChunk, map[string]any{
			"message_id":  messageID.String(),
			"text":        text,
			"block_index": blockIndex,
		})
	}

	started := time.Now()
	for attempt := 0; ; attempt++ {
		result, err := o.stream(ctx, cfg.ModelID, history, onText, opts)
		if err == nil {
			latency := int(time.Since(started).Milliseconds())
			result.LatencyMS = latency
			return result, messageID, nil
		}
		if !provider.IsRetryable(err) {
			return nil, uuid.Nil, o.failStream(ctx, streamID, "request_error", provider.NormalizeError(err), attempt, log)
		}
		if attempt+1 >= cfg.MaxRetries {
			return nil, uuid.Nil, o.failStream(ctx, streamID, "max_retries_exceeded", provider.NormalizeError(err), attempt+1, log)
		}
		delay := backoffDelay(cfg.BackoffBase, attempt)
		log.Warn("Provider call failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, uuid.Nil, o.failStream(ctx, streamID, "request_error", provider.NormalizeError(ctx.Err()), attempt, log)
		case <-time.After(delay):
		}
	}
}

func (o *StreamOrchestrator) completeStream(
	ctx context.Context,
	streamID uuid.UUID,
	messageID uuid.UUID,
	result *provider.Result,
	stopReason string,
	log *logger.Logger,
) error {
	cmd := conversation.CompleteStream{
		FullContent: result.Text,
		StopReason:  stopReason,
	}
	if result.LatencyMS > 0 {
		ms := result.LatencyMS
		cmd.LatencyMS = &ms
	}
	if result.Usage != nil {
		in, out := result.Usage.InputTokens, result.Usage.OutputTokens
		cmd.InputTokens = &in
		cmd.OutputTokens = &out
	}
	if _, _, err := o.execCmd(ctx, streamID, cmd, true, log); err != nil {
		return err
	}
	o.notify(streamID, sse.SSEEventStreamCompleted, map[string]any{
		"message_id":  messageID.String(),
		"stop_reason": stopReason,
	})
	return nil
}

// runToolCalls filters, starts, approves, executes, and closes out every
// tool call from one round, then shapes the two history turns for the next
// round. The stream stays open throughout; the caller closes it.
func (o *StreamOrchestrator) runToolCalls(
	ctx context.Context,
	streamID uuid.UUID,
	result *provider.Result,
	cfg StreamConfig,
	log *logger.Logger,
) (assistantTurn, toolResultTurn provider.Message, err error) {
	allowed := make(map[string]bool, len(cfg.AllowedTools))
	for _, name := range cfg.AllowedTools {
		allowed[name] = true
	}

	outputs := make(map[string]map[string]any, len(result.ToolCalls))
	isError := make(map[string]bool, len(result.ToolCalls))

	var surviving []provider.ToolCall
	for _, call := range result.ToolCalls {
		if !allowed[call.Name] {
			// Filtered calls never touch the aggregate; the model still
			// sees an error result so the loop continues coherently.
			log.Warn("Tool call denied by allow-list", "tool", call.Name, "callID", call.ID)
			outputs[call.ID] = map[string]any{"error": fmt.Sprintf("tool %q is not allowed", call.Name)}
			isError[call.ID] = true
			continue
		}
		surviving = append(surviving, call)
	}

	var sub bus.Subscription
	if len(surviving) > 0 && !cfg.AutoConfirm {
		// Subscribe before announcing so a fast decision cannot slip past.
		sub, err = o.approvals.Subscribe(ctx, streamID)
		if err != nil {
			return provider.Message{}, provider.Message{}, fmt.Errorf("subscribe approvals: %w", err)
		}
		defer sub.Close()
	}

	for _, call := range surviving {
		if _, _, err := o.execCmd(ctx, streamID, conversation.StartToolCall{
			CallID: call.ID,
			Name:   call.Name,
			Input:  call.Input,
		}, true, log); err != nil {
			return provider.Message{}, provider.Message{}, err
		}
		if !cfg.AutoConfirm {
			o.notify(streamID, sse.SSEEventToolApprovalRequested, map[string]any{
				"call_id": call.ID,
				"name":    call.Name,
				"input":   call.Input,
			})
		}
	}

	approvals := make(map[string]bool, len(surviving))
	if cfg.AutoConfirm {
		for _, call := range surviving {
			approvals[call.ID] = true
		}
	} else if len(surviving) > 0 {
		approvals = o.awaitApprovals(ctx, sub, surviving, cfg.ApprovalTimeout, log)
	}

	for _, call := range surviving {
		var out map[string]any
		var failed bool
		if !approvals[call.ID] {
			out, failed = rejectedOutput, true
		} else if res, execErr := o.tools.Execute(ctx, call.Name, call.Input); execErr != nil {
			// Tool failures feed back to the model; they never fail the
			// surrounding stream.
			out, failed = map[string]any{"error": execErr.Error()}, true
		} else {
			out, failed = res, false
		}

		if _, _, err := o.execCmd(ctx, streamID, conversation.CompleteToolCall{
			CallID:  call.ID,
			Output:  out,
			IsError: failed,
		}, true, log); err != nil {
			return provider.Message{}, provider.Message{}, err
		}

		o.notify(streamID, sse.SSEEventToolCallCompleted, map[string]any{
			"call_id":  call.ID,
			"is_error": failed,
		})
		outputs[call.ID] = out
		isError[call.ID] = failed
	}

	var assistantBlocks []provider.ContentBlock
	if result.Text != "" {
		assistantBlocks = append(assistantBlocks, provider.ContentBlock{Type: "text", Text: result.Text})
	}
	resultBlocks := make([]provider.ContentBlock, 0, len(result.ToolCalls))
	for _, call := range result.ToolCalls {
		assistantBlocks = append(assistantBlocks, provider.ContentBlock{
			Type:      "tool_use",
			ToolUseID: call.ID,
			Name:      call.Name,
			Input:     call.Input,
		})
		resultBlocks = append(resultBlocks, provider.ContentBlock{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   outputs[call.ID],
			IsError:   isError[call.ID],
		})
	}

	return provider.Message{Role: "assistant", Blocks: assistantBlocks},
		provider.Message{Role: "user", Blocks: resultBlocks},
		nil
}

// awaitApprovals blocks until every pending call has a decision or the
// round timeout fires. Undecided calls resolve to rejected.
func (o *StreamOrchestrator) awaitApprovals(
	ctx context.Context,
	sub bus.Subscription,
	calls []provider.ToolCall,
	timeout time.Duration,
	log *logger.Logger,
) map[string]bool {
	pending := make(map[string]bool, len(calls))
	for _, call := range calls {
		pending[call.ID] = true
	}
	decisions := make(map[string]bool, len(calls))

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for len(pending) > 0 {
			select {
			case <-gctx.Done():
				return nil
			case <-deadline.C:
				return nil
			case d, ok := <-sub.C():
				if !ok {
					return nil
				}
				if !pending[d.CallID] {
					continue
				}
				delete(pending, d.CallID)
				decisions[d.CallID] = d.Approved
			}
		}
		return nil
	})
	_ = g.Wait()

	for id := range pending {
		log.Warn("Tool approval timed out", "callID", id)
		decisions[id] = false
	}
	return decisions
}

func (o *StreamOrchestrator) failStream(ctx context.Context, streamID uuid.UUID, errorType, message string, retries int, log *logger.Logger) error {
	if _, _, err := o.execCmd(ctx, streamID, conversation.FailStream{
		ErrorType:    errorType,
		ErrorMessage: message,
		RetryCount:   retries,
	}, true, log); err != nil {
		return err
	}
	o.notify(streamID, sse.SSEEventStreamFailed, map[string]any{
		"error_type":    errorType,
		"error_message": message,
	})
	return nil
}

// execCmd runs one command through the executor, optionally projecting the
// stored events synchronously before returning.
func (o *StreamOrchestrator) execCmd(
	ctx context.Context,
	streamID uuid.UUID,
	cmd conversation.Command,
	projectSync bool,
	log *logger.Logger,
) (conversation.State, []eventstore.StoredEvent, error) {
	state, stored, err := o.exec.Execute(ctx, streamID, cmd)
	if err != nil {
		return state, nil, err
	}
	if projectSync {
		if perr := o.projector.ApplyAll(ctx, stored); perr != nil {
			log.Error("Projection failed", "error", perr)
			return state, stored, perr
		}
	}
	return state, stored, nil
}

func (o *StreamOrchestrator) notify(streamID uuid.UUID, event sse.SSEEvent, data map[string]any) {
	if o.notifier == nil {
		return
	}
	o.notifier.Broadcast(sse.SSEMessage{
		Channel: sse.ConversationChannel(streamID),
		Event:   event,
		Data:    data,
	})
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	jitter := rand.Float64()
	return time.Duration(float64(base) * math.Pow(2, float64(attempt)) * (1 + jitter))
}

package messaging

import (
	"context"
	"fmt"

	"ordersaga/internal/config"
	"ordersaga/internal/participant"
	"ordersaga/internal/platform/observability"
	"ordersaga/internal/saga"

	"go.uber.org/zap"
)

// CommandListener feeds a participant the commands addressed to it from the
// command topic and publishes the events it produces.
type CommandListener struct {
	participant participant.Participant
	publisher   Publisher
	logger      observability.Logger
}

func NewCommandListener(p participant.Participant, publisher Publisher, logger observability.Logger) *CommandListener {
	return &CommandListener{participant: p, publisher: publisher, logger: logger}
}

func (l *CommandListener) Handle(ctx context.Context, env saga.Envelope) error {
	target, ok := env.EventType.Target()
	if !ok {
		return fmt.Errorf("%w: %q on the command stream", saga.ErrUnknownEventType, env.EventType)
	}
	if target != l.participant.Name() {
		return nil
	}
	return execute(ctx, l.participant, env, l.publisher)
}

// CoordinatorListener applies events to the coordinator. In orchestration it
// sends the commands the coordinator decides on; in choreography the
// participants react on their own and the commands are only logged.
type CoordinatorListener struct {
	coordinator saga.Coordinator
	publisher   Publisher
	logger      observability.Logger
}

func NewCoordinatorListener(c saga.Coordinator, publisher Publisher, logger observability.Logger) *CoordinatorListener {
	return &CoordinatorListener{coordinator: c, publisher: publisher, logger: logger}
}

func (l *CoordinatorListener) Handle(ctx context.Context, env saga.Envelope) error {
	cmds, err := l.coordinator.HandleEvent(ctx, env)
	if err != nil {
		return err
	}
	if l.coordinator.Mode() != saga.Orchestration {
		for _, cmd := range cmds {
			l.logger.Debug("Expecting participant reaction",
				zap.String("order_id", cmd.OrderID.String()),
				zap.String("command", string(cmd.Type)),
				zap.String("participant", string(cmd.Target())),
			)
		}
		return nil
	}

	for _, cmd := range cmds {
		cmdEnv, err := cmd.Envelope()
		if err != nil {
			return fmt.Errorf("encode %s: %w", cmd.Type, err)
		}
		if err := l.publisher.Publish(ctx, config.CommandsTopic, cmdEnv); err != nil {
			return fmt.Errorf("send %s for %s: %w", cmd.Type, cmd.OrderID, err)
		}
		l.logger.Info("Sent command",
			zap.String("order_id", cmd.OrderID.String()),
			zap.String("command", string(cmd.Type)),
			zap.String("participant", string(cmd.Target())),
		)
	}
	return nil
}

// ReactionListener makes a participant react to events in choreography: it
// runs the participant's own next step, including compensations, for every
// event it observes.
type ReactionListener struct {
	participant participant.Participant
	publisher   Publisher
	logger      observability.Logger
}

func NewReactionListener(p participant.Participant, publisher Publisher, logger observability.Logger) *ReactionListener {
	return &ReactionListener{participant: p, publisher: publisher, logger: logger}
}

func (l *ReactionListener) Handle(ctx context.Context, env saga.Envelope) error {
	cmds, err := saga.ReactionsFor(l.participant.Name(), env)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		cmdEnv, err := cmd.Envelope()
		if err != nil {
			return fmt.Errorf("encode %s: %w", cmd.Type, err)
		}
		l.logger.Debug("Reacting to event",
			zap.String("order_id", env.OrderID.String()),
			zap.String("event_type", string(env.EventType)),
			zap.String("command", string(cmd.Type)),
		)
		if err := execute(ctx, l.participant, cmdEnv, l.publisher); err != nil {
			return err
		}
	}
	return nil
}

// execute runs cmd on p and publishes the resulting events.
func execute(ctx context.Context, p participant.Participant, cmd saga.Envelope, publisher Publisher) error {
	events, err := p.Handle(ctx, cmd)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := publisher.Publish(ctx, config.EventsTopic, ev); err != nil {
			return fmt.Errorf("publish %s for %s: %w", ev.EventType, ev.OrderID, err)
		}
	}
	return nil
}

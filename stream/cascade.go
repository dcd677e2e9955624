// Package stream provides a DynamoDB Streams handler that cascades
// deletes: when a record is removed from a table, its children are
// looked up through the relationship registry and deleted through a
// fresh unit of work, which keeps the children-before-parents ordering
// guarantee of the commit path.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/espalier/factory"
	"github.com/jacentio/espalier/record"
	"github.com/jacentio/espalier/selector"
)

// Handler processes DynamoDB stream events for cascade deletes.
type Handler struct {
	sessions *factory.UnitOfWorkFactory
	reader   selector.Reader
	registry *record.Registry
	logger   *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(sessions *factory.UnitOfWorkFactory, reader selector.Reader, registry *record.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		reader:   reader,
		registry: registry,
		logger:   logger,
	}
}

// HandleCascadeDelete processes DynamoDB stream events and deletes the
// children of every removed record. Grandchildren cascade through the
// stream events of their own parents' deletion, so each invocation only
// handles one generation. Designed to be used as an AWS Lambda handler.
func (h *Handler) HandleCascadeDelete(ctx context.Context, event events.DynamoDBEvent) error {
	for _, rec := range event.Records {
		if err := h.processRecord(ctx, rec); err != nil {
			h.logger.Error("failed to process record",
				"eventID", rec.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, streamRec events.DynamoDBEventRecord) error {
	if streamRec.EventName != "REMOVE" {
		return nil
	}

	typ := record.Type(getStringAttr(streamRec.Change.OldImage, "record_type"))
	id := record.ID(getStringAttr(streamRec.Change.OldImage, "id"))
	if typ == "" || id == "" {
		return nil
	}

	rels := h.registry.ChildrenOf(typ)
	if len(rels) == 0 {
		return nil
	}

	h.logger.Info("processing cascade delete",
		"type", typ,
		"id", id,
		"childTypes", len(rels),
	)

	session := h.sessions.New()
	staged := 0
	for _, rel := range rels {
		children, err := h.reader.Read(ctx, selector.Query{Type: rel.Child}.Where(rel.Field, id))
		if err != nil {
			return fmt.Errorf("read %s children: %w", rel.Child, err)
		}
		for _, row := range children {
			if err := session.RegisterDeleted(row.Record); err != nil {
				return fmt.Errorf("register %s delete: %w", row.Record.Ref(), err)
			}
			staged++
		}
	}

	if staged == 0 {
		return nil
	}
	if err := session.Commit(ctx); err != nil {
		return fmt.Errorf("cascade commit: %w", err)
	}

	h.logger.Info("cascade delete completed",
		"type", typ,
		"id", id,
		"childrenDeleted", staged,
	)
	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

package queue

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/nearmarket/go-sync/backend"
)

// DefaultHandlers binds the standard handler set to a backend client.
// Each handler asserts the payload shape tied to its action type.
func DefaultHandlers(client backend.Client) map[ActionType]Handler {
	return map[ActionType]Handler{
		TypeMessage: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*MessagePayload)
			if !ok {
				return errors.Newf("queue: message action %s has payload %T", a.ID, a.Payload)
			}
			return client.SendMessage(ctx, backend.MessageDraft{ChatID: p.ChatID, Text: p.Text})
		},
		TypePing: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*PingPayload)
			if !ok {
				return errors.Newf("queue: ping action %s has payload %T", a.ID, a.Payload)
			}
			// The action id doubles as the ping id so the chat-create RPC
			// can reference a ping the server stored under that id.
			if err := client.SendPing(ctx, backend.PingDraft{ID: a.ID, ListingID: p.ListingID, Message: p.Message}); err != nil {
				return err
			}
			if p.Message == "" {
				return nil
			}
			// A ping with an opening message starts a chat. A failure here
			// retries the whole action; the server deduplicates the ping.
			_, err := client.CreateChatFromPing(ctx, a.ID)
			return err
		},
		TypeUpload: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*UploadPayload)
			if !ok {
				return errors.Newf("queue: upload action %s has payload %T", a.ID, a.Payload)
			}
			return client.UploadAttachment(ctx, p.Upload)
		},
		TypeProfileUpdate: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*ProfileUpdatePayload)
			if !ok {
				return errors.Newf("queue: profile action %s has payload %T", a.ID, a.Payload)
			}
			return client.UpdateProfile(ctx, p.Patch)
		},
		TypeListingCreate: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*ListingCreatePayload)
			if !ok {
				return errors.Newf("queue: listing create action %s has payload %T", a.ID, a.Payload)
			}
			return client.CreateListing(ctx, p.Draft)
		},
		TypeListingUpdate: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*ListingUpdatePayload)
			if !ok {
				return errors.Newf("queue: listing update action %s has payload %T", a.ID, a.Payload)
			}
			return client.UpdateListing(ctx, p.ListingID, p.Patch)
		},
		TypeListingDelete: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*ListingDeletePayload)
			if !ok {
				return errors.Newf("queue: listing delete action %s has payload %T", a.ID, a.Payload)
			}
			return client.DeleteListing(ctx, p.ListingID)
		},
		TypeRequestCreate: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*RequestCreatePayload)
			if !ok {
				return errors.Newf("queue: request create action %s has payload %T", a.ID, a.Payload)
			}
			return client.CreateRequest(ctx, p.Draft)
		},
		TypeRequestUpdate: func(ctx context.Context, a *Action) error {
			p, ok := a.Payload.(*RequestUpdatePayload)
			if !ok {
				return errors.Newf("queue: request update action %s has payload %T", a.ID, a.Payload)
			}
			return client.UpdateRequest(ctx, p.RequestID, p.Patch)
		},
	}
}

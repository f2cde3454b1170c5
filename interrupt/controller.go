package interrupt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/util"
	"github.com/hupe1980/ragmesh/logging"
)

// ApplyFunc commits the approved effect with the final arguments.
type ApplyFunc func(ctx context.Context, pending *core.PendingApproval, args map[string]any) (core.InvokeResult, error)

// Resolution describes a resolved approval.
type Resolution struct {
	Pending    *core.PendingApproval
	Checkpoint *core.Checkpoint
	Decision   core.Decision
	// Result is the outcome the suspended step continues with. Rejections
	// yield a cancelled result.
	Result  core.ToolResult
	Session *core.Session
}

// Options configure a Controller.
type Options struct {
	Logger logging.Logger
	// OnDecision observes every resolved decision (metrics hook).
	OnDecision func(action string, decision core.DecisionType)
	Now        func() time.Time
}

// Controller owns the suspend/resume protocol of a session store.
type Controller struct {
	store core.SessionStore
	opts  Options
}

// New creates a Controller over store.
func New(store core.SessionStore, optFns ...func(o *Options)) *Controller {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Now:    func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Controller{store: store, opts: opts}
}

// Suspend records req and the checkpoint on the session. A session that
// already has a pending approval fails with core.ErrAlreadySuspended.
func (c *Controller) Suspend(ctx context.Context, threadID string, req core.ApprovalRequest, cp *core.Checkpoint) (*core.PendingApproval, error) {
	if req.ActionName == "" {
		return nil, core.Validation("suspend", errors.New("approval request without action name"))
	}
	allowed := req.AllowedDecisions
	if len(allowed) == 0 {
		allowed = core.AllDecisions
	}
	now := c.opts.Now()
	pending := &core.PendingApproval{
		ID:               core.NewID(),
		TaskID:           req.TaskID,
		ActionName:       req.ActionName,
		Args:             req.Args,
		AllowedDecisions: allowed,
		Description:      req.Description,
		CreatedAt:        now,
	}

	_, err := c.store.Update(ctx, threadID, func(sess *core.Session) error {
		if sess.PendingApproval != nil {
			return core.Ordering("suspend", fmt.Errorf("%w: %s", core.ErrAlreadySuspended, sess.PendingApproval.ActionName))
		}
		sess.PendingApproval = pending.Clone()
		if cp != nil {
			sess.Checkpoint = cp.Clone()
			if sess.Checkpoint.CreatedAt.IsZero() {
				sess.Checkpoint.CreatedAt = now
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.opts.Logger.Info("Run suspended for approval",
		"session_id", threadID, "action", req.ActionName, "approval_id", pending.ID)
	return pending, nil
}

// Pending returns the outstanding approval of the session, or nil.
func (c *Controller) Pending(ctx context.Context, threadID string) (*core.PendingApproval, error) {
	sess, err := c.store.Get(ctx, threadID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess.PendingApproval, nil
}

// Resume resolves the pending approval with decisions (one per pending
// action). Approve applies the original arguments, edit applies the edited
// arguments after checking they keep the original shape, reject skips apply
// and yields a cancelled result. The record and checkpoint are cleared only
// when everything succeeds.
func (c *Controller) Resume(ctx context.Context, threadID string, decisions []core.Decision, apply ApplyFunc) (*Resolution, error) {
	var res Resolution

	sess, err := c.store.Update(ctx, threadID, func(sess *core.Session) error {
		pending := sess.PendingApproval
		if pending == nil {
			return core.Ordering("resume", core.ErrNoPendingApproval)
		}
		if len(decisions) != 1 {
			return core.Validation("resume", fmt.Errorf("expected 1 decision, got %d", len(decisions)))
		}
		d := decisions[0]
		if err := d.Validate(); err != nil {
			return err
		}
		if !pending.Allows(d.Type) {
			return core.Ordering("resume", fmt.Errorf("%w: %s", core.ErrDecisionNotAllowed, d.Type))
		}

		result, err := c.resolve(ctx, pending, d, apply)
		if err != nil {
			return err
		}

		res = Resolution{
			Pending:    pending.Clone(),
			Checkpoint: sess.Checkpoint.Clone(),
			Decision:   d,
			Result:     result,
		}
		sess.PendingApproval = nil
		sess.Checkpoint = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Session = sess
	if c.opts.OnDecision != nil {
		c.opts.OnDecision(res.Pending.ActionName, res.Decision.Type)
	}
	if ml, ok := c.opts.Logger.(*logging.MeshLogger); ok {
		ml.WithSession(threadID, "").LogApproval(res.Pending.ActionName, string(res.Decision.Type))
	} else {
		c.opts.Logger.Info("Approval resolved",
			"session_id", threadID, "action", res.Pending.ActionName, "decision", string(res.Decision.Type))
	}
	return &res, nil
}

func (c *Controller) resolve(ctx context.Context, pending *core.PendingApproval, d core.Decision, apply ApplyFunc) (core.ToolResult, error) {
	args := pending.Args
	switch d.Type {
	case core.DecisionReject:
		msg := "rejected by user"
		if d.Message != "" {
			msg = d.Message
		}
		return core.ToolResult{TaskID: pending.TaskID, Cancelled: true, Error: msg}, nil
	case core.DecisionEdit:
		if err := util.ValidateParameters(d.EditedArgs, util.InferSchema(pending.Args)); err != nil {
			return core.ToolResult{}, core.Validation("resume", err)
		}
		args = d.EditedArgs
	}

	if apply == nil {
		return core.ToolResult{}, core.Fatal("resume", errors.New("no apply function"))
	}
	out, err := apply(ctx, pending, args)
	if err != nil {
		return core.ToolResult{}, err
	}
	return core.ToolResult{TaskID: pending.TaskID, Success: out.Success, Result: out.Result, Error: out.Error}, nil
}

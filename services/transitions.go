package services

import (
	"fmt"

	"contest-settlement-system/models"
)

// TransitionNotAllowedError means the requested edge does not exist in the
// transition graph for the acting role. It signals a programming or
// authorization bug and is never coerced into the ERROR fallback.
type TransitionNotAllowedError struct {
	From  models.ContestStatus
	To    models.ContestStatus
	Actor models.Actor
}

func (e *TransitionNotAllowedError) Error() string {
	return fmt.Sprintf("transition %s -> %s not allowed for actor %q", e.From, e.To, e.Actor)
}

type transitionEdge struct {
	from models.ContestStatus
	to   models.ContestStatus
}

// transitionGraph is the authoritative edge table. COMPLETE and CANCELLED
// have no outbound edges: they are terminal for every actor.
var transitionGraph = map[transitionEdge][]models.Actor{
	{models.StatusScheduled, models.StatusLocked}:    {models.ActorSystem},
	{models.StatusScheduled, models.StatusCancelled}: {models.ActorOrganizer, models.ActorAdmin},
	{models.StatusLocked, models.StatusLive}:         {models.ActorSystem},
	{models.StatusLocked, models.StatusCancelled}:    {models.ActorAdmin},
	{models.StatusLive, models.StatusComplete}:       {models.ActorSystem},
	{models.StatusLive, models.StatusError}:          {models.ActorSystem},
	{models.StatusLive, models.StatusCancelled}:      {models.ActorAdmin},
	{models.StatusError, models.StatusComplete}:      {models.ActorAdmin},
	{models.StatusError, models.StatusCancelled}:     {models.ActorAdmin},
}

// AuthorizeTransition answers whether actor may move a contest from one
// status to another. Pure function: no I/O, deterministic given inputs.
func AuthorizeTransition(from, to models.ContestStatus, actor models.Actor) error {
	allowed := transitionGraph[transitionEdge{from, to}]
	for _, a := range allowed {
		if a == actor {
			return nil
		}
	}
	return &TransitionNotAllowedError{From: from, To: to, Actor: actor}
}

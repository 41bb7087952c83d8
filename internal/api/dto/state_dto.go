package dto

import "github.com/cuongbtq/watchsync/internal/userstate"

type GetStateResponse struct {
	State userstate.State `json:"state"`
	Found bool            `json:"found"`
}

type WriteStateResponse struct {
	State   userstate.State `json:"state"`
	Changed bool            `json:"changed"`
}

package api

import (
	"strconv"

	"coach_msg/server/chat/domain"
	"coach_msg/server/common/transport/httpresp"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse

// HistoryResponse is one page of a conversation, newest first. NextBefore is
// the cursor for the following page and is empty on the last page.
type HistoryResponse struct {
	Items      []domain.Message `json:"items"`
	NextBefore string           `json:"nextBefore,omitempty"`
}

func NewHistoryResponse(items []domain.Message, limit int) HistoryResponse {
	if items == nil {
		items = []domain.Message{}
	}
	resp := HistoryResponse{Items: items}
	if len(items) > 0 && len(items) >= limit {
		resp.NextBefore = strconv.FormatInt(items[len(items)-1].Timestamp.UnixMilli(), 10)
	}
	return resp
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

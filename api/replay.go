/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"errors"
	"net/http"

	model2 "github.com/steadyops/steady/api/model"
	"github.com/steadyops/steady/internal/apierror"

	"github.com/gin-gonic/gin"
)

func (a Api) TriggerReplayCycle(c *gin.Context) {
	if err := a.steady.TriggerReplayCycle(c.Request.Context()); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "replay cycle scheduled"})
}

func (a Api) GetQuarantinedMessages(c *gin.Context) {
	limit, offset := paginationParams(c)

	messages, err := a.steady.GetQuarantinedMessages(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	total, err := a.steady.CountQuarantinedMessages(c.Request.Context())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"total": total, "messages": messages})
}

func (a Api) QuarantineMessage(c *gin.Context) {
	var req model2.QuarantineMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := req.ValidateQuarantineMessage(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.steady.QuarantineMessage(c.Request.Context(), req.Payload, errors.New(req.Error))
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) DiscardMessage(c *gin.Context) {
	messageID, passed := c.Params.Get("message_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id is required. pass it in the route /:message_id"})
		return
	}

	if err := a.steady.DiscardMessage(c.Request.Context(), messageID); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "message discarded"})
}

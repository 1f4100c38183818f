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
	"net/http"
	"strconv"

	model2 "github.com/steadyops/steady/api/model"
	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"

	"github.com/gin-gonic/gin"
)

func (a Api) StartRollout(c *gin.Context) {
	var newRollout model2.CreateRollout
	if err := c.ShouldBindJSON(&newRollout); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	if err := newRollout.ValidateCreateRollout(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.steady.StartRollout(c.Request.Context(), newRollout.ToUnit(), newRollout.ToStableVersion(), newRollout.ToCandidateVersion(), newRollout.ToPlan())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetRolloutStatus(c *gin.Context) {
	unit, ok := unitFromParams(c)
	if !ok {
		return
	}

	resp, err := a.steady.GetRolloutStatus(c.Request.Context(), unit)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) AbortRollout(c *gin.Context) {
	unit, ok := unitFromParams(c)
	if !ok {
		return
	}

	resp, err := a.steady.Abort(c.Request.Context(), unit)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetRolloutEvents(c *gin.Context) {
	unit, ok := unitFromParams(c)
	if !ok {
		return
	}

	rolloutID := c.Query("rollout_id")
	if rolloutID == "" {
		state, err := a.steady.GetRolloutStatus(c.Request.Context(), unit)
		if err != nil {
			c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
			return
		}
		rolloutID = state.RolloutID
	}

	limit, offset := paginationParams(c)
	resp, err := a.steady.GetRolloutEvents(c.Request.Context(), rolloutID, limit, offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func unitFromParams(c *gin.Context) (model.DeployableUnit, bool) {
	environment, passed := c.Params.Get("environment")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "environment is required. pass it in the route /:environment/:name"})
		return model.DeployableUnit{}, false
	}
	name, passed := c.Params.Get("name")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required. pass it in the route /:environment/:name"})
		return model.DeployableUnit{}, false
	}
	return model.DeployableUnit{Name: name, Environment: environment}, true
}

func paginationParams(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

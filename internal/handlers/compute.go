package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/middleware"
	"github.com/terminal-bench/attestd/internal/services/integrity"
	"github.com/terminal-bench/attestd/internal/services/safety"
)

// ComputeHandler serves the read-only computations
type ComputeHandler struct {
	svc    *integrity.Service
	logger logrus.FieldLogger
}

// NewComputeHandler creates a new compute handler
func NewComputeHandler(svc *integrity.Service, logger logrus.FieldLogger) *ComputeHandler {
	return &ComputeHandler{svc: svc, logger: logger}
}

// DataRequest carries the blocks to compute over
type DataRequest struct {
	DataBlocks *[]string `json:"data_blocks"`
}

// bindBlocks parses the body, answering 400 itself when it is unusable
func bindBlocks(c *gin.Context) ([]string, bool) {
	var req DataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'data_blocks' must be a list of strings"})
		return nil, false
	}
	if req.DataBlocks == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'data_blocks' key in JSON payload"})
		return nil, false
	}
	return *req.DataBlocks, true
}

// MerkleRoot computes the Merkle root of the blocks
func (h *ComputeHandler) MerkleRoot(c *gin.Context) {
	blocks, ok := bindBlocks(c)
	if !ok {
		return
	}
	operatorID, _ := middleware.GetOperatorID(c)

	result, err := h.svc.ComputeMerkleRoot(c.Request.Context(), blocks, operatorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Entropy computes the Shannon entropy of the blocks
func (h *ComputeHandler) Entropy(c *gin.Context) {
	blocks, ok := bindBlocks(c)
	if !ok {
		return
	}
	operatorID, _ := middleware.GetOperatorID(c)

	result, err := h.svc.ComputeEntropy(c.Request.Context(), blocks, operatorID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Validate reports whether the blocks are within the input limits
func (h *ComputeHandler) Validate(c *gin.Context) {
	blocks, ok := bindBlocks(c)
	if !ok {
		return
	}

	var total int64
	for _, b := range blocks {
		total += int64(len(b))
	}
	resp := gin.H{
		"valid":       true,
		"block_count": len(blocks),
		"total_size":  total,
	}

	if err := h.svc.Validate(blocks); err != nil {
		tooLarge, isLimit := err.(*safety.InputTooLargeError)
		if !isLimit {
			respondError(c, h.logger, err)
			return
		}
		resp["valid"] = false
		resp["reason"] = tooLarge.Error()
		resp["limit"] = tooLarge.Limit
		if tooLarge.Index >= 0 {
			resp["block_index"] = tooLarge.Index
		}
	}
	c.JSON(http.StatusOK, resp)
}

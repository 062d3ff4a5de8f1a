package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/utils"
)

// RespondError writes the classified error envelope and aborts the chain.
func RespondError(c *gin.Context, err error) {
	appErr := apperr.From(err)
	c.AbortWithStatusJSON(appErr.Code.HTTPStatus(), appErr.ToBody())
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func respondOK(c *gin.Context, data any) {
	respondData(c, http.StatusOK, data)
}

func bindJSON(c *gin.Context, out any) error {
	if err := c.ShouldBindJSON(out); err != nil {
		return apperr.Validation("Invalid request body: %v", err)
	}
	return nil
}

// pathAddress reads and normalizes an address path parameter.
func pathAddress(c *gin.Context, name string) (string, error) {
	_, addr, err := utils.ParseAddress(c.Param(name))
	if err != nil {
		return "", apperr.Validation("Invalid %s: must be 0x followed by 40 hex characters", name)
	}
	return addr, nil
}

func requireAddress(field, value string) (string, error) {
	_, addr, err := utils.ParseAddress(value)
	if err != nil {
		return "", apperr.Validation("Invalid %s: must be 0x followed by 40 hex characters", field)
	}
	return addr, nil
}

// positiveAmount parses a base-unit decimal string greater than zero.
func positiveAmount(field, value string) (models.Amount, error) {
	amount, err := models.ParseAmount(value)
	if err != nil || amount.IsZero() {
		return models.Amount{}, apperr.Validation("Invalid %s: must be a positive integer string", field)
	}
	return amount, nil
}

func positiveChainID(field string, value int64) error {
	if value <= 0 {
		return apperr.Validation("Invalid %s: must be a positive integer", field)
	}
	return nil
}

func queryLimit(c *gin.Context, fallback int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

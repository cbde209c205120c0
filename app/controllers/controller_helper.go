package controllers

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PlanFox/internal/pkg/billing"
)

var validate = newValidator()

// newValidator reports fields under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// respondError writes err as {"error": message, ...fields} with the status of
// its error class. Unclassified errors are logged and reported as 500.
func respondError(c *fiber.Ctx, err error) error {
	status := billing.HTTPStatus(err)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	body := fiber.Map{"error": billing.Message(err)}
	for k, v := range billing.Fields(err) {
		body[k] = v
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

// parseBody decodes and validates the JSON body into dst.
func parseBody(c *fiber.Ctx, dst interface{}) error {
	if len(c.Body()) == 0 {
		return validate.Struct(dst)
	}
	if err := c.BodyParser(dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// bodyError turns a parseBody error into a 400 response naming the first
// invalid field.
func bodyError(c *fiber.Ctx, err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return badRequest(c, fe.Field()+" is required.")
		}
		return badRequest(c, fe.Field()+" is invalid.")
	}
	return badRequest(c, "Invalid request body.")
}

func paramUint(c *fiber.Ctx, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}

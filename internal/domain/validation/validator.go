package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/charging-platform/fleet-simulator/internal/domain/ocpp16"
)

// Validator OCPP载荷验证器
type Validator struct {
	validate *validator.Validate
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// Error 实现error接口
func (e ValidationError) Error() string {
	return e.Message
}

// ValidationErrors 验证错误集合
type ValidationErrors []ValidationError

// Error 实现error接口
func (e ValidationErrors) Error() string {
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Message)
	}
	return strings.Join(messages, "; ")
}

// HasTag 判断集合中是否存在指定tag的错误。缺少必填字段属于
// 结构性错误, 下发方用它区分FormationViolation与
// PropertyConstraintViolation。
func (e ValidationErrors) HasTag(tag string) bool {
	for _, err := range e {
		if err.Tag == tag {
			return true
		}
	}
	return false
}

var idTagPattern = regexp.MustCompile(`^[a-zA-Z0-9\-\._~]+$`)

// NewValidator 创建新的验证器
func NewValidator() *Validator {
	validate := validator.New()

	validate.RegisterValidation("ocpp_id_tag", validateIdTag)

	return &Validator{
		validate: validate,
	}
}

// ValidateStruct 验证结构体, 失败返回ValidationErrors
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors ValidationErrors

	if validatorErrors, ok := err.(validator.ValidationErrors); ok {
		for _, validatorError := range validatorErrors {
			validationErrors = append(validationErrors, ValidationError{
				Field:   validatorError.Field(),
				Tag:     validatorError.Tag(),
				Value:   fmt.Sprintf("%v", validatorError.Value()),
				Message: getErrorMessage(validatorError),
			})
		}
		return validationErrors
	}

	return err
}

// validateIdTag 验证授权标签格式
func validateIdTag(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	if len(value) > 20 {
		return false
	}
	return idTagPattern.MatchString(value)
}

// getErrorMessage 获取友好的错误消息
func getErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "min":
		return fmt.Sprintf("Field '%s' must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("Field '%s' must not exceed %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("Field '%s' must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("Field '%s' must not exceed %s", fe.Field(), fe.Param())
	case "ocpp_id_tag":
		return fmt.Sprintf("Field '%s' must be a valid id tag (max 20 characters)", fe.Field())
	default:
		return fmt.Sprintf("Field '%s' failed validation for tag '%s'", fe.Field(), fe.Tag())
	}
}

// ValidateChargePointID 验证充电桩ID
func (v *Validator) ValidateChargePointID(chargePointID string) error {
	if chargePointID == "" {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "required",
			Value:   "",
			Message: "Charge point ID is required",
		}
	}

	if len(chargePointID) > 20 {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "max",
			Value:   chargePointID,
			Message: "Charge point ID must not exceed 20 characters",
		}
	}

	matched, _ := regexp.MatchString(`^[a-zA-Z0-9\-]+$`, chargePointID)
	if !matched {
		return ValidationError{
			Field:   "chargePointId",
			Tag:     "format",
			Value:   chargePointID,
			Message: "Charge point ID can only contain alphanumeric characters and hyphens",
		}
	}

	return nil
}

// supportedMeasurands 电表上报支持的测量值集合
var supportedMeasurands = map[ocpp16.Measurand]bool{
	ocpp16.MeasurandEnergyActiveImportRegister: true,
	ocpp16.MeasurandPowerActiveImport:          true,
	ocpp16.MeasurandSoC:                        true,
	ocpp16.MeasurandCurrentImport:              true,
	ocpp16.MeasurandVoltage:                    true,
}

// ParseMeasurandList 解析逗号分隔的测量值列表, 含未知项时返回错误
func ParseMeasurandList(csl string) ([]ocpp16.Measurand, error) {
	if strings.TrimSpace(csl) == "" {
		return nil, ValidationError{
			Field:   "MeterValuesSampledData",
			Tag:     "required",
			Value:   csl,
			Message: "Measurand list must not be empty",
		}
	}

	var measurands []ocpp16.Measurand
	for _, part := range strings.Split(csl, ",") {
		measurand := ocpp16.Measurand(strings.TrimSpace(part))
		if !supportedMeasurands[measurand] {
			return nil, ValidationError{
				Field:   "MeterValuesSampledData",
				Tag:     "measurand",
				Value:   string(measurand),
				Message: fmt.Sprintf("Unsupported measurand '%s'", measurand),
			}
		}
		measurands = append(measurands, measurand)
	}

	return measurands, nil
}

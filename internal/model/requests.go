package model

import "github.com/shopspring/decimal"

type DimensionsRequest struct {
	LengthCm decimal.Decimal `json:"lengthCm"`
	WidthCm  decimal.Decimal `json:"widthCm"`
	HeightCm decimal.Decimal `json:"heightCm"`
}

type CreateOrderRequest struct {
	WeightKg          decimal.Decimal   `json:"weightKg"`
	Dimensions        DimensionsRequest `json:"dimensions"`
	DeclaredValue     decimal.Decimal   `json:"declaredValue"`
	International     bool              `json:"international"`
	PickupAddressID   string            `json:"pickupAddressId"`
	DeliveryAddressID string            `json:"deliveryAddressId"`
}

func (r CreateOrderRequest) PackageDetails() PackageDetails {
	return PackageDetails{
		WeightKg: r.WeightKg,
		Dimensions: Dimensions{
			LengthCm: r.Dimensions.LengthCm,
			WidthCm:  r.Dimensions.WidthCm,
			HeightCm: r.Dimensions.HeightCm,
		},
		DeclaredValue:     r.DeclaredValue,
		International:     r.International,
		PickupAddressID:   r.PickupAddressID,
		DeliveryAddressID: r.DeliveryAddressID,
	}
}

type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type StatusRequest struct {
	Status OrderStatus `json:"status"`
}

package sicar

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cheri-hub/sicar-api/internal/apperror"
)

// States は SICAR が提供する 27 の UF コードです。
var States = []string{
	"AC", "AL", "AM", "AP", "BA", "CE", "DF", "ES", "GO", "MA", "MG", "MS", "MT", "PA",
	"PB", "PE", "PI", "PR", "RJ", "RN", "RO", "RR", "RS", "SC", "SE", "SP", "TO",
}

// polygons はポリゴン種別名と SICAR 側の tipoBase の対応です。
var polygons = map[string]string{
	"AREA_PROPERTY":          "AREA_IMOVEL",
	"APPS":                   "APPS",
	"NATIVE_VEGETATION":      "VEGETACAO_NATIVA",
	"HYDROGRAPHY":            "HIDROGRAFIA",
	"LEGAL_RESERVE":          "RESERVA_LEGAL",
	"RESTRICTED_USE":         "USO_RESTRITO",
	"CONSOLIDATED_AREA":      "AREA_CONSOLIDADA",
	"ADMINISTRATIVE_SERVICE": "SERVIDAO_ADMINISTRATIVA",
	"AREA_FALL":              "AREA_POUSIO",
}

var carPattern = regexp.MustCompile(`^[A-Z]{2}-\d{7}-[0-9A-Z]{8,}$`)

// Polygons はポリゴン種別名を名前順で返します。
func Polygons() []string {
	names := make([]string, 0, len(polygons))
	for name := range polygons {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeState は UF コードを大文字にして検証します。
func NormalizeState(raw string) (string, error) {
	state := strings.ToUpper(strings.TrimSpace(raw))
	for _, s := range States {
		if s == state {
			return state, nil
		}
	}
	return "", apperror.Validationf("INVALID_STATE", "不正な州コードです: %q", raw)
}

// NormalizePolygon はポリゴン種別名を大文字にして検証します。
func NormalizePolygon(raw string) (string, error) {
	polygon := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := polygons[polygon]; !ok {
		return "", apperror.Validationf("INVALID_POLYGON", "不正なポリゴン種別です: %q", raw)
	}
	return polygon, nil
}

// NormalizeCAR は CAR 番号（UF-MUNICIPIO-HASH）を大文字にして検証します。
func NormalizeCAR(raw string) (string, error) {
	car := strings.ToUpper(strings.TrimSpace(raw))
	if !carPattern.MatchString(car) {
		return "", apperror.Validationf("INVALID_CAR", "CAR 番号の形式が不正です: %q", raw)
	}
	if _, err := NormalizeState(car[:2]); err != nil {
		return "", err
	}
	return car, nil
}

func remotePolygon(polygon string) string {
	return polygons[polygon]
}
